package main

import "github.com/nextlevelbuilder/cyrus/cmd"

func main() {
	cmd.Execute()
}
