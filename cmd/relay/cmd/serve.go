package cmd

import (
	"fmt"
	"net/http"
	_ "net/http/pprof" //ok in production https://medium.com/google-cloud/continuous-profiling-of-go-programs-96d4416af77b
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/livewatch/relay/internal/feed"
	"github.com/livewatch/relay/internal/ledger"
	"github.com/livewatch/relay/internal/relay"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the live-feed relay",
	Long: `Serve runs the relay: a websocket endpoint for subscribers and
administrators, an identity ledger enforcing the trial window and block
list, and one upstream feed subscription per active session. Set parameters
with environment variables, for example:

export RELAY_ADMIN_PASSWORD=somesecret
export RELAY_DB=/var/lib/relay/identities.db
export RELAY_DIAL_TIMEOUT=15s
export RELAY_FEED_URL=wss://feed.example.org/live
export RELAY_LISTEN=3000
export RELAY_LOG_FORMAT=json
export RELAY_LOG_LEVEL=warn
export RELAY_LOG_FILE=/var/log/relay/relay.log
export RELAY_PORT_PROFILE=6061
export RELAY_PROFILE=true
relay serve

Notes:
RELAY_FEED_URL is the base URL of the upstream feed service; the target
broadcast identifier is appended as the final path element.
`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("RELAY")
		viper.AutomaticEnv()

		viper.SetDefault("admin_password", "") //so we can check it's been provided
		viper.SetDefault("db", "relay.db")
		viper.SetDefault("dial_timeout", "15s")
		viper.SetDefault("feed_url", "") //so we can check it's been provided
		viper.SetDefault("listen", 3000)
		viper.SetDefault("log_file", "stdout")
		viper.SetDefault("log_format", "json")
		viper.SetDefault("log_level", "warn")
		viper.SetDefault("port_profile", 6061)
		viper.SetDefault("profile", false)

		adminPassword := viper.GetString("admin_password")
		db := viper.GetString("db")
		dialTimeoutStr := viper.GetString("dial_timeout")
		feedURL := viper.GetString("feed_url")
		listen := viper.GetInt("listen")
		logFile := viper.GetString("log_file")
		logFormat := viper.GetString("log_format")
		logLevel := viper.GetString("log_level")
		portProfile := viper.GetInt("port_profile")
		profile := viper.GetBool("profile")

		// Sanity checks
		ok := true

		if adminPassword == "" {
			fmt.Println("You must set RELAY_ADMIN_PASSWORD")
			ok = false
		}

		if feedURL == "" {
			fmt.Println("You must set RELAY_FEED_URL")
			ok = false
		}

		if !ok {
			os.Exit(1)
		}

		dialTimeout, err := time.ParseDuration(dialTimeoutStr)
		if err != nil {
			fmt.Print("cannot parse duration in RELAY_DIAL_TIMEOUT=" + dialTimeoutStr)
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
			fmt.Println("RELAY_LOG_LEVEL can be trace, debug, info, warn, error, fatal or panic but not " + logLevel)
			os.Exit(1)
		}

		switch strings.ToLower(logFormat) {
		case "json":
			log.SetFormatter(&log.JSONFormatter{})
		case "text":
			log.SetFormatter(&log.TextFormatter{})
		default:
			fmt.Println("RELAY_LOG_FORMAT can be json or text but not " + logFormat)
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
		log.Infof("Database: [%s]", db)
		log.Infof("Dial timeout: [%s]", dialTimeout)
		log.Infof("Feed URL: [%s]", feedURL)
		log.Infof("Listen: [%d]", listen)
		log.Infof("Log file: [%s]", logFile)
		log.Infof("Log format: [%s]", logFormat)
		log.Infof("Log level: [%s]", logLevel)
		log.Infof("Port for profile: [%d]", portProfile)
		log.Infof("Profiling is on: [%t]", profile)

		// Optionally start the profiling server
		if profile {
			go func() {
				url := "localhost:" + strconv.Itoa(portProfile)
				err := http.ListenAndServe(url, nil)
				if err != nil {
					log.Errorf(err.Error())
				}
			}()
		}

		identities, err := ledger.Open(db)
		if err != nil {
			log.Fatalf("cannot open identity ledger at %s: %s", db, err.Error())
		}
		defer identities.Close()

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
			Listen:        listen,
			AdminPassword: adminPassword,
			Ledger:        identities,
			Dialer:        &feed.WSDialer{URL: feedURL, HandshakeTimeout: dialTimeout},
			DialTimeout:   dialTimeout,
		}

		wg.Add(1)

		go relay.Run(closed, &wg, config)

		wg.Wait()

	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
