package main

import "taskbridge/cmd"

func main() {
	cmd.Execute()
}
