package main

import "github.com/Mnabil10/fasket-sub001/cmd"

func main() {
	cmd.Execute()
}
