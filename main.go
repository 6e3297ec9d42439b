package main

import "github.com/shawkym/mxview/cmd"

func main() {
	cmd.Execute()
}
