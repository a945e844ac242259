package main

import "github.com/ModeShape/modeshape-sub003/internal/cli"

func main() {
	cli.Execute()
}
