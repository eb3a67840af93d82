package main

import "github.com/sambabib/archcheck/cmd"

func main() {
	cmd.Execute()
}
