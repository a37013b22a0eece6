package main

import "guildwatch/internal/app"

func main() {
	app.ServerMain()
}
