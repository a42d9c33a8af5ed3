package main

import "github.com/nextlevelbuilder/nostrlink/cmd"

func main() {
	cmd.Execute()
}
