package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tehcyx/gchat/internal/config"
	"github.com/tehcyx/gchat/pkg/client"
)

const dialTimeout = 10 * time.Second

func main() {
	flag.Usage = usage
	flag.Parse()
	os.Exit(run(flag.Args()))
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <host> <port>\n", os.Args[0])
}

func run(args []string) int {
	if len(args) != 2 {
		usage()
		return 1
	}
	if _, err := config.ParsePort(args[1]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		return 1
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(args[0], args[1]), dialTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := client.Run(ctx, conn, os.Stdin, os.Stdout); err != nil {
		log.Error(err)
		return 1
	}
	return 0
}
