package main

import (
	"github.com/locutushealth/dicomdeid/internal/cli"
)

func main() {
	cli.Execute()
}
