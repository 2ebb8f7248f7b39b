// symgrad builds symbolic gradient graphs from YAML graph definitions.
//
// Usage:
//
//	symgrad grad [--output tree|json] [--aggregate default|tree] [--mirror all|op1,op2,...] [--eval] FILE
package main

import "github.com/gomlx/symgrad/cmd/symgrad/internal/command"

func main() {
	command.Execute()
}
