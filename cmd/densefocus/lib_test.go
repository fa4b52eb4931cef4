package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Simscop/DenseLight/autofocus"
	"github.com/Simscop/DenseLight/camera"
	"github.com/Simscop/DenseLight/imgrec"
	"github.com/Simscop/DenseLight/motion"
	"github.com/astrogo/fitsio"
	"github.com/google/go-cmp/cmp"
	yml "gopkg.in/yaml.v2"
)

func fastConfig() Config {
	c := DefaultConfig()
	c.InitialSettle = autofocus.Settle{}
	c.StepSettle = autofocus.Settle{}
	c.Sim.Width, c.Sim.Height = 48, 48
	c.Sim.Noise = 0
	return c
}

func TestLoadYamlAcceptsResultAndList(t *testing.T) {
	dir := t.TempDir()
	samples := []autofocus.FocusSample{{Z: 1, Score: 2}, {Z: 2, Score: 5}, {Z: 3, Score: 1}}

	resPath := filepath.Join(dir, "res.yml")
	b, _ := yml.Marshal(autofocus.ScanResult{BestZ: 2, Samples: samples})
	os.WriteFile(resPath, b, 0666)

	listPath := filepath.Join(dir, "list.yml")
	b, _ = yml.Marshal(samples)
	os.WriteFile(listPath, b, 0666)

	for _, p := range []string{resPath, listPath} {
		got, err := LoadYaml(p)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if diff := cmp.Diff(samples, got); diff != "" {
			t.Errorf("%s: samples mismatch (-want +got):\n%s", p, diff)
		}
	}
}

func TestLoadStackOrdersByZCard(t *testing.T) {
	dir := t.TempDir()
	for i, z := range []float64{30, 10, 20} {
		f := camera.NewFrame(4, 4, 1, 12, make([]uint16, 16), nil)
		fid, err := os.Create(filepath.Join(dir, "f"+string(rune('a'+i))+".fits"))
		if err != nil {
			t.Fatal(err)
		}
		if err = imgrec.WriteFits(fid, []fitsio.Card{{Name: "Z", Value: z}}, f); err != nil {
			t.Fatal(err)
		}
		fid.Close()
	}
	stack, err := LoadStack(filepath.Join(dir, "*.fits"), 1)
	if err != nil {
		t.Fatal(err)
	}
	zs := []float64{}
	for _, s := range stack {
		zs = append(zs, s.Z)
	}
	if diff := cmp.Diff([]float64{10, 20, 30}, zs); diff != "" {
		t.Errorf("stack order mismatch (-want +got):\n%s", diff)
	}
	if _, err = LoadStack(filepath.Join(dir, "*.png"), 1); err == nil {
		t.Error("expected an error when nothing matches")
	}
}

func TestSetupRejectsUnknownStage(t *testing.T) {
	c := fastConfig()
	c.Stage = "newport"
	if _, err := Setup(c); err == nil {
		t.Error("expected an error for an unknown stage type")
	}
	c = fastConfig()
	c.Metric = "brenner"
	if _, err := Setup(c); err == nil {
		t.Error("expected an error for an unknown metric")
	}
}

func TestMuxEndToEnd(t *testing.T) {
	c := fastConfig()
	c.Sim.Surfaces = []float64{20}
	rig, err := Setup(c)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(BuildMux(ctx, c, rig))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/densefocus/autofocus/scan", "application/json",
		strings.NewReader(`{"startZ": 0, "endZ": 40, "stepSize": 4, "cropRatio": 0.8}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from scan, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/densefocus/stage/pos")
	if err != nil {
		t.Fatal(err)
	}
	pos := motion.Position{}
	json.NewDecoder(resp.Body).Decode(&pos)
	resp.Body.Close()
	if pos.Z != 20 {
		t.Errorf("expected the stage left at the best Z=20, got %v", pos.Z)
	}

	resp, err = http.Get(srv.URL + "/endpoints")
	if err != nil {
		t.Fatal(err)
	}
	graph := map[string][]string{}
	json.NewDecoder(resp.Body).Decode(&graph)
	resp.Body.Close()
	for _, stem := range []string{"/densefocus/stage", "/densefocus/camera", "/densefocus/"} {
		if len(graph[stem]) == 0 {
			t.Errorf("expected routes under %s, got %v", stem, graph)
		}
	}
}

func TestMuxLockBlocksMoves(t *testing.T) {
	c := fastConfig()
	rig, err := Setup(c)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(BuildMux(context.Background(), c, rig))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/densefocus/lock", "application/json", strings.NewReader(`{"bool": true}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/densefocus/stage/axis/z/pos", "application/json", strings.NewReader(`{"f64": 5}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusLocked {
		t.Errorf("expected 423 for a move while locked, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/densefocus/stage/pos")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected reads to pass while locked, got %d", resp.StatusCode)
	}
}
