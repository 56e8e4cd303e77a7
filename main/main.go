package main

import (
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/artyom/autoflags"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/upan/feeyo-redisproxy/proxy"
)

const (
	Version = "1.0.0"
)

var (
	config = proxy.DefaultConfig()

	rootCmd = &cobra.Command{
		Use:   "rcproxy",
		Short: "redis proxy scattering multi key commands over a slot table",
		Long: fmt.Sprintf(`rcproxy (v%s)

A redis proxy splitting multi key commands (DEL, UNLINK, EXISTS, TOUCH, MGET, MSET)
into one sub-request per backend and merging the replies into a single answer.
Every flag can also be set as environment variable RCPROXY_<FLAG> (e.g. RCPROXY_REQUEST_TIMEOUT=1s).`, Version),
		SilenceUsage: true,
		PreRunE:      processConfig,
		RunE:         run,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	autoflags.Define(&config)
	rootCmd.Flags().AddGoFlagSet(flag.CommandLine)
}

// initConfig loads env files and makes viper read RCPROXY_ environment variables
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("rcproxy")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// processConfig merges flags and environment variables back into config
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	config.Addr = viper.GetString("addr")
	config.DebugAddr = viper.GetString("debug-addr")
	config.Backends = viper.GetString("backends")
	config.Slots = viper.GetString("slots")
	config.ConnectTimeout = viper.GetDuration("connect-timeout")
	config.WriteTimeout = viper.GetDuration("write-timeout")
	config.RequestTimeout = viper.GetDuration("request-timeout")
	config.BackendIdleConnections = viper.GetInt("backend-idle-connections")
	config.ReadBufferSize = viper.GetInt("read-buffer-size")
	config.PartialError = viper.GetString("partial-error")
	config.SlowLogThreshold = viper.GetDuration("slowlog-threshold")
	config.ClockResolution = viper.GetDuration("clock-resolution")
	config.LogLevel = viper.GetString("log-level")
	config.LogFile = viper.GetString("log-file")
	return config.Validate()
}

func setupLogging() error {
	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if len(config.LogFile) != 0 {
		f, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		log.SetOutput(f)
	}
	return nil
}

func handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	level, err := log.ParseLevel(r.Form.Get("level"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log.SetLevel(level)
	log.Info("set log level to ", level)
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte("OK"))
}

func serveDebug(addr string, stats *proxy.MetricsCollector) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/setloglevel", handleSetLogLevel)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		stats.WritePrometheus(w)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		stats.WriteJSON(w)
	})
	go func() {
		log.Fatal(http.ListenAndServe(addr, mux))
	}()
	log.Infof("debug service listens on %s", addr)
}

func run(_ *cobra.Command, _ []string) error {
	if err := setupLogging(); err != nil {
		return err
	}
	log.Infof("pid %d, config:%s", os.Getpid(), config.String())

	policy, err := proxy.ParsePartialErrorPolicy(config.PartialError)
	if err != nil {
		return err
	}
	infos, err := config.SlotInfos()
	if err != nil {
		return err
	}

	clock := proxy.NewClock(config.ClockResolution)
	defer clock.Stop()
	stats := proxy.NewMetricsCollector(config.SlowLogThreshold)
	if len(config.DebugAddr) != 0 {
		serveDebug(config.DebugAddr, stats)
	}

	connPool := proxy.NewConnPool(config.BackendIdleConnections, config.ConnectTimeout).
		WithBuffers(config.ReadBufferSize, config.WriteTimeout)
	defer connPool.Close()
	slotTable := proxy.NewSlotTable()
	for _, si := range infos {
		slotTable.SetSlotInfo(si)
	}
	dispatcher := proxy.NewDispatcher(connPool, config.RequestTimeout, policy)

	p := proxy.NewProxy(config.Addr, slotTable, dispatcher, stats, clock)
	if err := p.Listen(); err != nil {
		return err
	}
	go p.Run()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Infof("terminated by %s", sig)
	p.Exit()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
