package main

import (
	"log"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/battle-orchestrator/cmd/jobctl/commands"
)

func main() {
	_ = godotenv.Load()

	if err := commands.NewRootCmd(commands.OpenFromConfig).Execute(); err != nil {
		log.Fatal(err)
	}
}
