package database

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLatchSharedAllowsMultipleReaders(t *testing.T) {
	var l latch
	l.lockShared()
	require.True(t, l.tryLockShared())
	l.unlockShared()
	l.unlockShared()
}

func TestLatchExclusiveExcludesSharedAndExclusive(t *testing.T) {
	var l latch
	l.lockExclusive()
	require.False(t, l.tryLockShared())
	require.False(t, l.tryLockExclusive())
	l.unlockExclusive()

	require.True(t, l.tryLockExclusive())
	l.unlockExclusive()
}

func TestLatchTryUpgradeSucceedsWhenUncontended(t *testing.T) {
	var l latch
	l.lockShared()
	require.True(t, l.tryUpgrade())
	l.unlockExclusive()
}

func TestLatchTryUpgradeFailsUnderContention(t *testing.T) {
	var l latch
	l.lockShared()
	l.lockShared() // second reader also holds it

	// Upgrading releases this caller's own shared hold, but the other
	// reader still blocks the exclusive acquisition.
	require.False(t, l.tryUpgrade())
	l.unlockShared()
}

func TestLatchDowngradeAdmitsOtherReaders(t *testing.T) {
	var l latch
	l.lockExclusive()
	l.downgrade()
	require.True(t, l.tryLockShared())
	l.unlockShared()
	l.unlockShared()
}
