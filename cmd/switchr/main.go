package main

import "github.com/bryanchriswhite/switchr/cmd/switchr/commands"

func main() {
	commands.Execute()
}
