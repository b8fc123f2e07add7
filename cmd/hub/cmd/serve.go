package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airview/hub/internal/relay"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the hub",
	Long: `Serve runs the websocket hub, the bus bridge and the token
service on a single listener. Set parameters with environment variables,
for example:

export HUB_LISTEN=:3000
export HUB_BUS_URL=redis://localhost:6379/0
export HUB_SECRET=somesecret
export HUB_TOKEN_TTL=1h
export HUB_HEARTBEAT_TIMEOUT=60s
export HUB_SEND_BUFFER=256
export HUB_NO_AUTH_TOPICS=phoenix
export HUB_LOG_LEVEL=warn
export HUB_LOG_FORMAT=json
export HUB_LOG_FILE=stdout
hub serve

Notes:
HUB_BUS_URL left empty selects an in-process bus (single node, no redis)
HUB_NO_AUTH_TOPICS is a comma separated list of topics that join without
credential validation
`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("HUB")
		viper.AutomaticEnv()

		viper.SetDefault("listen", ":3000")
		viper.SetDefault("bus_url", "")
		viper.SetDefault("secret", "") //so we can check it's been provided
		viper.SetDefault("token_ttl", "1h")
		viper.SetDefault("heartbeat_timeout", "60s")
		viper.SetDefault("send_buffer", 256)
		viper.SetDefault("no_auth_topics", "phoenix")
		viper.SetDefault("log_file", "stdout")
		viper.SetDefault("log_format", "json")
		viper.SetDefault("log_level", "warn")

		listen := viper.GetString("listen")
		busURL := viper.GetString("bus_url")
		secret := viper.GetString("secret")
		tokenTTLStr := viper.GetString("token_ttl")
		heartbeatStr := viper.GetString("heartbeat_timeout")
		sendBuffer := viper.GetInt("send_buffer")
		noAuthTopics := viper.GetString("no_auth_topics")
		logFile := viper.GetString("log_file")
		logFormat := viper.GetString("log_format")
		logLevel := viper.GetString("log_level")

		if secret == "" {
			fmt.Println("You must set HUB_SECRET")
			os.Exit(1)
		}

		tokenTTL, err := time.ParseDuration(tokenTTLStr)
		if err != nil {
			fmt.Println("cannot parse duration in HUB_TOKEN_TTL=" + tokenTTLStr)
			os.Exit(1)
		}

		heartbeatTimeout, err := time.ParseDuration(heartbeatStr)
		if err != nil {
			fmt.Println("cannot parse duration in HUB_HEARTBEAT_TIMEOUT=" + heartbeatStr)
			os.Exit(1)
		}

		// set up logging
		switch strings.ToLower(logLevel) {
		case "trace":
			log.SetLevel(log.TraceLevel)
		case "debug":
			log.SetLevel(log.DebugLevel)
		case "info":
			log.SetLevel(log.InfoLevel)
		case "warn":
			log.SetLevel(log.WarnLevel)
		case "error":
			log.SetLevel(log.ErrorLevel)
		case "fatal":
			log.SetLevel(log.FatalLevel)
		case "panic":
			log.SetLevel(log.PanicLevel)
		default:
			fmt.Println("HUB_LOG_LEVEL can be trace, debug, info, warn, error, fatal or panic but not " + logLevel)
			os.Exit(1)
		}

		switch strings.ToLower(logFormat) {
		case "json":
			log.SetFormatter(&log.JSONFormatter{})
		case "text":
			log.SetFormatter(&log.TextFormatter{})
		default:
			fmt.Println("HUB_LOG_FORMAT can be json or text but not " + logFormat)
			os.Exit(1)
		}

		if strings.ToLower(logFile) == "stdout" {
			log.SetOutput(os.Stdout)
		} else {
			file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err == nil {
				log.SetOutput(file)
			} else {
				log.Infof("Failed to log to %s, logging to default stderr", logFile)
			}
		}

		// Report useful info
		log.Infof("Listen: [%s]", listen)
		log.Infof("Bus URL: [%s]", busURL)
		log.Infof("Token TTL: [%s]", tokenTTL)
		log.Infof("Heartbeat timeout: [%s]", heartbeatTimeout)
		log.Infof("Send buffer: [%d]", sendBuffer)
		log.Infof("No-auth topics: [%s]", noAuthTopics)
		if len(secret) >= 8 {
			log.Debugf("Secret: [%s...%s]", secret[:4], secret[len(secret)-4:])
		}

		var wg sync.WaitGroup

		closed := make(chan struct{})

		c := make(chan os.Signal, 1)

		signal.Notify(c, os.Interrupt)

		go func() {
			for range c {
				close(closed)
				wg.Wait()
				os.Exit(0)
			}
		}()

		config := relay.Config{
			Addr:             listen,
			BusURL:           busURL,
			Secret:           secret,
			TokenTTL:         tokenTTL,
			HeartbeatTimeout: heartbeatTimeout,
			SendBuffer:       sendBuffer,
			NoAuthTopics:     splitTopics(noAuthTopics),
		}

		wg.Add(1)

		go relay.Relay(closed, &wg, config)

		wg.Wait()
	},
}

func splitTopics(list string) []string {
	var topics []string
	for _, t := range strings.Split(list, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
