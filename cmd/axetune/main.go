package main

import (
	"github.com/axetune/axetune/cmd/axetune/commands"
)

func main() {
	commands.Execute()
}
