package main

import (
	_ "time/tzdata"

	"github.com/brensch/chansweep/cmd"
)

func main() {
	cmd.Execute()
}
