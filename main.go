package main

import (
	"os"

	"tuplekv/cmd/tuplekv/app"
)

func main() {
	os.Exit(app.Execute())
}
