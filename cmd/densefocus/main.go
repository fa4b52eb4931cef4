package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/Simscop/DenseLight/autofocus"
	"github.com/Simscop/DenseLight/camera"
	"github.com/Simscop/DenseLight/focus"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/schollz/progressbar/v3"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "densefocus.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconfig() Config {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `densefocus drives a motorized microscope stage and camera to find focus,
and exposes an HTTP interface to the autofocus routines and the hardware.

Usage:
	densefocus <command>

Commands:
	run
	scan [trace.yml]
	climb
	zstack
	peaks <trace.yml>
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `densefocus is amenable to configuration via its .yaml file, densefocus.yml in the
working directory.  For a primer on YAML, see https://yaml.org/start.html
Run densefocus mkconf to write the defaults to densefocus.yml.

Without a configuration, everything runs against a simulated stage and camera
looking at two surfaces at Z=40 and Z=60.

Stage "type" fields, case insensitive:
- "sim", a simulated stage
- "zaber", a Zaber ASCII protocol controller over serial or TCP

Commands:
- run: serve HTTP at addr; GET <endpoint>/endpoints lists the routes
- scan: sweep scan.startZ to scan.endZ and move to the sharpest Z.  The trace
  is written to the given file as YAML, if one is given
- climb: hill climb from the current Z with the hillClimb parameters
- zstack: step zStack.range by zStack.step from the current Z, recording frames
  when record.enabled is set
- peaks: locate the two surfaces in a trace written by scan

Focus metrics: ` + metricNames() + `

Ctrl+C cancels a running scan, climb or z-stack.`
	fmt.Println(str)
}

func metricNames() string {
	ms := focus.Metrics()
	s := make([]string, len(ms))
	for i, m := range ms {
		s[i] = string(m)
	}
	return strings.Join(s, ", ")
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("densefocus version %v\n", Version)
}

func setup() (Config, *Rig) {
	c := loadconfig()
	rig, err := Setup(c)
	if err != nil {
		log.Fatal(err)
	}
	return c, rig
}

func run() {
	c, rig := setup()
	defer rig.Close()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	mux := BuildMux(ctx, c, rig)
	srv := &http.Server{Addr: c.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shut)
	}()
	log.Println("now listening for requests at ", c.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func spinner(suffix string) *yacspin.Spinner {
	cfg := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " " + suffix,
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
		Writer:            os.Stderr,
	}
	s, err := yacspin.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	return s
}

func sampleMessage(s *yacspin.Spinner) autofocus.Observer {
	return func(fs autofocus.FocusSample, _ *camera.Frame) {
		s.Message(fmt.Sprintf("Z=%.4g score=%.4g", fs.Z, fs.Score))
	}
}

// finish stops the spinner and reports a cancelled or failed run
func finish(s *yacspin.Spinner, err error) {
	switch {
	case err == nil:
		s.StopMessage("done")
		s.Stop()
	case errors.Is(err, autofocus.ErrCancelled):
		s.StopFailMessage("cancelled")
		s.StopFail()
	default:
		s.StopFailMessage(err.Error())
		s.StopFail()
	}
}

func encode(v interface{}) {
	if err := yml.NewEncoder(os.Stdout).Encode(v); err != nil {
		log.Fatal(err)
	}
}

func scan(out string) {
	c, rig := setup()
	defer rig.Close()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sp := spinner("scanning")
	sc := rig.Scanner(c)
	sc.Observer = rig.Observer(sampleMessage(sp))
	sp.Start()
	res, err := sc.RunScan(ctx, c.Scan)
	finish(sp, err)
	if err != nil && !errors.Is(err, autofocus.ErrCancelled) {
		os.Exit(1)
	}
	encode(res)
	if out != "" && len(res.Samples) > 0 {
		f, err := os.Create(out)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		if err = yml.NewEncoder(f).Encode(res); err != nil {
			log.Fatal(err)
		}
	}
}

func climb() {
	c, rig := setup()
	defer rig.Close()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sp := spinner("climbing")
	hc := rig.HillClimber(c)
	hc.Observer = rig.Observer(sampleMessage(sp))
	sp.Start()
	res, err := hc.RunHillClimb(ctx, c.HillClimb)
	finish(sp, err)
	if err != nil && !errors.Is(err, autofocus.ErrCancelled) {
		os.Exit(1)
	}
	encode(res)
}

func zstack() {
	c, rig := setup()
	defer rig.Close()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	zs := rig.ZStack(c)
	bar := progressbar.NewOptions(c.ZStack.Slices(),
		progressbar.OptionSetDescription("z-stack"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount())
	zs.Progress = func(i, n int, z float64) {
		bar.Describe(fmt.Sprintf("z-stack Z=%.4g", z))
		bar.Add(1)
	}
	positions, err := zs.Run(ctx, c.ZStack)
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		log.Println(err)
		if !errors.Is(err, autofocus.ErrCancelled) {
			os.Exit(1)
		}
	}
	encode(positions)
}

func peaks(path string) {
	c := loadconfig()
	trace, err := LoadYaml(path)
	if err != nil {
		log.Fatal(err)
	}
	p, err := autofocus.FindSurfacePeaks(trace)
	if err != nil {
		log.Fatal(err)
	}
	refined, err := autofocus.RefineSurfacePeaks(trace, c.RefineHalfWidth)
	if err != nil {
		log.Fatal(err)
	}
	encode(map[string]autofocus.SurfacePeaks{"peaks": p, "refined": refined})
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "scan":
		out := ""
		if len(args) > 2 {
			out = args[2]
		}
		scan(out)
	case "climb":
		climb()
	case "zstack":
		zstack()
	case "peaks":
		if len(args) < 3 {
			log.Fatal("peaks needs the path to a trace file")
		}
		peaks(args[2])
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
