package main

import "github.com/airview/hub/cmd/hub/cmd"

func main() {
	cmd.Execute()
}
