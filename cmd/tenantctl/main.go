package main

import "github.com/tansive/tenantsrv/internal/cli"

func main() {
	cli.Execute()
}
