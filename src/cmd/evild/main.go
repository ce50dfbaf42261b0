package main

import (
	cmd "github.com/oneevilcoin/evild/src/cmd/evild/command"
)

func main() {
	cmd.Execute()
}
