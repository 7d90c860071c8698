package main

import (
	"github.com/BioHazard786/Boothcall/cmd"
	"github.com/BioHazard786/Boothcall/internal/logging"
)

func main() {
	// Initialize logging
	logging.Init()
	cmd.Execute()
}
