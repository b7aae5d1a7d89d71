package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tehcyx/gchat/internal/config"
	"github.com/tehcyx/gchat/internal/logging"
	"github.com/tehcyx/gchat/pkg/redis"
	"github.com/tehcyx/gchat/pkg/server"
	"github.com/tehcyx/gchat/pkg/version"
)

const shutdownTimeout = 5 * time.Second

func main() {
	flag.Usage = usage
	flag.Parse()
	os.Exit(run(flag.Args()))
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <port>\n", os.Args[0])
}

func run(args []string) int {
	if len(args) != 1 {
		usage()
		return 1
	}
	if _, err := config.ParsePort(args[0]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		return 1
	}

	cfg, err := loadConfig(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	logs, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return 1
	}
	defer logs.Close()

	log.Printf("Launching %s %s...", cfg.Server.Name, version.GetVersion())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []server.Option
	var rc *redis.Client
	if cfg.Redis.Enabled {
		podID := cfg.Redis.PodID
		if podID == "" {
			podID = uuid.NewString()
		}
		rc, err = redis.NewClient(cfg.Redis.URL, podID)
		if err != nil {
			log.Errorf("Redis unavailable: %v", err)
			return 1
		}
		if err := rc.RegisterPod(ctx, version.GetVersion()); err != nil {
			log.Errorf("Failed to register pod: %v", err)
			rc.Close()
			return 1
		}
		log.Infof("Sharing presence through Redis as pod %s", rc.PodID())
		opts = append(opts, server.WithPresence(rc))
	}

	srv := server.New(cfg, opts...)

	relayDone := make(chan struct{})
	if rc != nil {
		go rc.RunHeartbeat(ctx, redis.HeartbeatInterval, srv.Registry(), version.GetVersion())
		go func() {
			defer close(relayDone)
			if err := rc.Relay(ctx, srv.Registry().BroadcastToAll); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("Relay stopped: %v", err)
			}
		}()
	} else {
		close(relayDone)
	}

	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe() }()

	code := 0
	select {
	case <-ctx.Done():
		log.Println("Shutting down server...")
	case err := <-served:
		log.Errorf("Server stopped: %v", err)
		code = 1
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Shutdown incomplete: %v", err)
	}

	if rc != nil {
		<-relayDone
		if err := rc.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Failed to remove pod from Redis: %v", err)
		}
		rc.Close()
	}

	log.Printf("Shutting down server. Bye!")
	return code
}

// loadConfig reads the config file, writing the defaults on first run, and
// applies the port given on the command line.
func loadConfig(port string) (*config.Config, error) {
	path, err := config.Path()
	if err != nil {
		return nil, err
	}
	if err := config.Bootstrap(path); err != nil {
		log.Warnf("Could not write default config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.Server.Port = port
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
