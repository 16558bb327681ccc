package main

import (
	"github.com/AzielCF/az-wap-connector/cmd"
)

func main() {
	cmd.Execute()
}
