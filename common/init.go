package common

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "v0.0.0-dev"

// StartTime is the unix time the process started.
var StartTime = time.Now().Unix()

var (
	Port         = flag.Int("port", 3000, "the listening port")
	PrintVersion = flag.Bool("version", false, "print version and exit")
	PrintHelp    = flag.Bool("help", false, "print help and exit")
)

func printHelp() {
	fmt.Println("bedrock-proxy " + Version + " - signing relay for the AWS Bedrock runtime.")
	fmt.Println("Usage: bedrock-proxy [--port <port>] [--version] [--help]")
}

// Init parses the command line flags.
func Init() {
	flag.Parse()

	if *PrintVersion {
		fmt.Println(Version)
		os.Exit(0)
	}

	if *PrintHelp {
		printHelp()
		os.Exit(0)
	}
}
