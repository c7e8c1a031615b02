package main

import (
	"os"

	"github.com/guseggert/agentbridge/internal/fakeagent"
)

func main() {
	os.Exit(fakeagent.Main())
}
