package main

import "github.com/tinker495/autosave/cli"

func main() {
	cli.Execute()
}
