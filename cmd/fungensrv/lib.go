package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-yaml/yaml"
	"goji.io"

	"github.com/pennmem/fungen/fungen"
	"github.com/pennmem/fungen/generichttp"
	"github.com/pennmem/fungen/generichttp/tmc"
	"github.com/pennmem/fungen/server/middleware/locker"
)

// ObjSetup holds the typical arguments for a New<device> call.
type ObjSetup struct {
	// Addr holds the VISA resource string of the device,
	// e.g. TCPIP0::192.168.100.123::5025::SOCKET for a socket instrument,
	// or USB0::2391::9991::MY52303330::0::INSTR for a USBTMC one
	Addr string `yaml:"Addr"`

	// Endpoint is the path the routes from this device will be served on
	// ex. Endpoint="/omc/fungen" will produce routes of /omc/fungen/voltage, etc.
	Endpoint string `yaml:"Endpoint"`

	// Type is the "type" of the object, e.g. function-generator
	Type string `yaml:"Type"`

	// Channel is the output channel commands act on, 1 if omitted
	Channel int `yaml:"Channel"`

	// Handshaking brackets every command with an error query
	Handshaking bool `yaml:"Handshaking"`

	// TimeoutSec bounds transport operations, in seconds; 0 uses the default
	TimeoutSec int `yaml:"TimeoutSec"`

	// Echo logs every command before transmission
	Echo bool `yaml:"Echo"`
}

// Config is a struct that holds the initialization parameters for the
// HTTP adapted devices.  It is to be populated by a yaml unmarshal call.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Nodes is the list of devices to set up
	Nodes []ObjSetup `yaml:"Nodes" koanf:"Nodes"`
}

// LoadYaml converts a (path to a) yaml file into a Config struct
func LoadYaml(path string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	err = yaml.NewDecoder(f).Decode(&cfg)
	return cfg, err
}

// BuildMux uses the config to construct a chi router with one goji submux
// per device, each with a lock interface.  The mux serves a special route,
// /endpoints, which returns the route graph as JSON.
func BuildMux(c Config) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	for _, node := range c.Nodes {
		typ := strings.ToLower(node.Type)
		switch typ {
		case "fungen", "function-generator":
		default:
			log.Fatal("type ", typ, " not understood")
		}

		timeout := time.Duration(node.TimeoutSec) * time.Second
		gen, err := fungen.NewFunctionGenerator(node.Addr, timeout)
		if err != nil {
			log.Fatal("could not set up ", node.Addr, ": ", err)
		}
		if node.Channel > 0 {
			gen.Channel = node.Channel
		}
		gen.Handshaking = node.Handshaking
		if node.Echo {
			gen.Logger = log.New(os.Stdout, node.Endpoint+" ", log.LstdFlags)
		}
		httper := tmc.NewHTTPFunctionGenerator(gen)

		// prepare the URL, "omc/fungen" => "/omc/fungen/*"
		hndlS := generichttp.SubMuxSanitize(node.Endpoint)

		// add the endpoints to the graph
		supergraph[hndlS] = httper.RT().Endpoints()

		// add a lock interface for this node
		lock := locker.New()
		locker.Inject(httper, lock)

		// bind to the mux.  The goji mux matches paths relative to the
		// node's endpoint, so the prefix is stripped before it.
		prefix := strings.TrimSuffix(hndlS, "/*")
		mux := goji.NewMux()
		httper.RT().Bind(mux)
		r := chi.NewRouter()
		r.Use(lock.Check)
		r.Mount("/", http.StripPrefix(prefix, mux))
		root.Mount(prefix, r)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}
