package main

import "task-api/cmd"

func main() {
	cmd.Execute()
}
