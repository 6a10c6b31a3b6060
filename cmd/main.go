package main

import (
	"context"
	"flag"
	"log"

	"game_server/config"
	"game_server/logger"
	"game_server/node"
)

func main() {
	path := flag.String("config", "", "ini config file, defaults are used when empty")
	port := flag.Int("port", 0, "override server.port")
	serverID := flag.String("server", "", "override server.server_id")
	level := flag.String("log", "", "override log.level")
	flag.Parse()

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			log.Fatalf("load config %s: %v", *path, err)
		}
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *serverID != "" {
		cfg.Server.ServerID = *serverID
	}
	if *level != "" {
		cfg.Log.Level = *level
	}

	if err := logger.Configure(cfg.Log.Level, cfg.Log.Encoding); err != nil {
		log.Fatalf("configure logger: %v", err)
	}
	logger.SetSource("game_server")
	defer logger.Sync()

	gameNode, err := node.NewGameNode(cfg, logger.L())
	if err != nil {
		log.Fatalf("create node: %v", err)
	}
	defineArena(gameNode.Rooms(), gameNode.RateLimit(), gameNode.Transactions())

	if err := gameNode.Start(context.Background()); err != nil {
		log.Fatalf("start node: %v", err)
	}
	logger.Named("main").Infof("server %s listening on %s", gameNode.Config().Server.ServerID, cfg.Addr())

	gameNode.Wait()
}
