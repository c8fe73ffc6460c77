// Package main contains an entrypoint for replaying a frame trace
// through per-receiver quality filters.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	log "github.com/rtcpipe/svc-sfu/pkg/logger"
	"github.com/rtcpipe/svc-sfu/pkg/sfu"
)

// Config defines parameters for configuring the replay run.
type Config struct {
	sfu.Config `mapstructure:",squash"`
	LogConfig  log.GlobalConfig `mapstructure:"log"`
}

var (
	conf           = Config{}
	file           string
	traceFile      string
	metricsAddr    string
	receivers      int
	verbosityLevel int
	paddr          string

	logger = log.New()
)

// traceRecord is one line of the JSON-lines trace: a depacketized frame
// plus the layer target in force when it arrived.
type traceRecord struct {
	TimeMs           int64  `json:"timeMs"`
	SSRC             uint32 `json:"ssrc"`
	Encoding         int    `json:"encoding"`
	Keyframe         bool   `json:"keyframe"`
	InterPicture     bool   `json:"interPicturePredicted"`
	InterLayer       bool   `json:"interLayerDependency"`
	UpperLevelRef    bool   `json:"upperLevelReference"`
	SpatialLayer     int    `json:"spatialLayer"`
	TemporalLayer    int    `json:"temporalLayer"`
	NumSpatialLayers int    `json:"numSpatialLayers"`
	TargetEncoding   int    `json:"targetEncoding"`
	TargetSpatial    int    `json:"targetSpatialLayer"`
	TargetTemporal   int    `json:"targetTemporalLayer"`
}

func showHelp() {
	fmt.Printf("Usage:%s {params}\n", os.Args[0])
	fmt.Println("      -c {config file}")
	fmt.Println("      -t {trace file, json lines}")
	fmt.Println("      -r {number of simulated receivers, default 4}")
	fmt.Println("      -m {metrics listen addr}")
	fmt.Println("      -v {0-10} (verbosity level, default 0)")
	fmt.Println("      -paddr {pprof listen addr}")
	fmt.Println("      -h (show help info)")
}

func load() bool {
	_, err := os.Stat(file)
	if err != nil {
		return false
	}

	viper.SetConfigFile(file)
	viper.SetConfigType("toml")

	err = viper.ReadInConfig()
	if err != nil {
		logger.Error(err, "config file read failed", "file", file)
		return false
	}
	err = viper.GetViper().Unmarshal(&conf)
	if err != nil {
		logger.Error(err, "config file loaded failed", "file", file)
		return false
	}

	logger.V(0).Info("Config file loaded", "file", file)
	return true
}

func parse() bool {
	flag.StringVar(&file, "c", "config.toml", "config file")
	flag.StringVar(&traceFile, "t", "", "trace file (json lines)")
	flag.IntVar(&receivers, "r", 4, "number of simulated receivers")
	flag.StringVar(&metricsAddr, "m", ":8100", "metrics to use")
	flag.IntVar(&verbosityLevel, "v", -1, "verbosity level, higher value - more logs")
	flag.StringVar(&paddr, "paddr", "", "pprof listening address")
	help := flag.Bool("h", false, "help info")
	flag.Parse()

	if traceFile == "" || receivers <= 0 {
		return false
	}

	if !load() {
		return false
	}

	if *help {
		return false
	}
	return true
}

func startMetrics(addr string) {
	// start metrics server
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler: m,
	}

	metricsLis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error(err, "cannot bind to metrics endpoint", "addr", addr)
		os.Exit(1)
	}
	logger.Info("Metrics Listening", "addr", addr)

	err = srv.Serve(metricsLis)
	if err != nil {
		logger.Error(err, "metrics server stopped")
	}
}

func loadTrace(path string) ([]traceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []traceRecord
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		var r traceRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, s.Err()
}

// replayReceiver runs the whole trace through one receiver's filter.
// Receiver id caps the target encoding, simulating receivers on
// different bandwidth tiers watching the same sender.
func replayReceiver(id int, records []traceRecord, fc sfu.FilterConfig) {
	filter := sfu.NewQualityFilter(fc)
	base := time.Unix(0, 0)

	var accepted, dropped, resumptions int
	for i := range records {
		r := &records[i]
		frame := &sfu.Frame{
			SSRC:                     r.SSRC,
			IsKeyframe:               r.Keyframe,
			IsInterPicturePredicted:  r.InterPicture,
			UsesInterLayerDependency: r.InterLayer,
			IsUpperLevelReference:    r.UpperLevelRef,
			SpatialLayer:             r.SpatialLayer,
			TemporalLayer:            r.TemporalLayer,
			NumSpatialLayers:         r.NumSpatialLayers,
		}

		targetEncoding := r.TargetEncoding
		if targetEncoding > id {
			targetEncoding = id
		}
		target := sfu.EncodeLayerIndex(targetEncoding, r.TargetSpatial, r.TargetTemporal)

		res := filter.AcceptFrame(frame, r.Encoding, target, base.Add(time.Duration(r.TimeMs)*time.Millisecond))
		if res.Accept {
			accepted++
		} else {
			dropped++
		}
		if res.IsResumption {
			resumptions++
		}
	}

	logger.Info("receiver replay done",
		"receiver", id,
		"accepted", accepted,
		"dropped", dropped,
		"resumptions", resumptions,
		"current", filter.CurrentIndex())
}

func main() {
	if !parse() {
		showHelp()
		os.Exit(-1)
	}

	// Check that the -v is not set (default -1)
	if verbosityLevel < 0 {
		verbosityLevel = conf.LogConfig.V
	}

	log.SetGlobalOptions(log.GlobalConfig{V: verbosityLevel})
	logger := log.New()

	logger.Info("--- Starting trace replay ---")

	sfu.Logger = logger

	records, err := loadTrace(traceFile)
	if err != nil {
		logger.Error(err, "failed to load trace", "file", traceFile)
		os.Exit(1)
	}
	logger.Info("Trace loaded", "file", traceFile, "frames", len(records))

	if paddr != "" {
		go func() {
			logger.Info("PProf Listening", "addr", paddr)
			_ = http.ListenAndServe(paddr, http.DefaultServeMux)
		}()
	}

	go startMetrics(metricsAddr)

	var g errgroup.Group
	for i := 0; i < receivers; i++ {
		id := i
		g.Go(func() error {
			replayReceiver(id, records, conf.Filter)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error(err, "replay failed")
		os.Exit(1)
	}

	logger.Info("Replay finished", "receivers", receivers, "frames", len(records))
}
