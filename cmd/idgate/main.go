// Command idgate はOIDCログインとセッション管理を提供するサーバー。
//
//	idgate [serve|worker|migrate [up|down N|version]|seed|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/idgate/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
