// Command livechat serves the chat socket endpoint and the hosted-store API.
package main

import (
	"log"

	"leazr/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
