package main

import (
	"log"

	"github.com/joenij/connectglobal-dating-app-sub001/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
