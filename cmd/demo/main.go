// Command demo runs a group of in-memory peers that agree on the order of a
// stream of membership changes, then prints what every peer delivered.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/op/go-logging"

	"github.com/senutpal/abcast/internal/config"
	"github.com/senutpal/abcast/internal/node"
	"github.com/senutpal/abcast/internal/paxos"
	"github.com/senutpal/abcast/internal/transport"
)

var log = logging.MustGetLogger("demo")

var (
	peers      = flag.Int("peers", 3, "number of peers")
	values     = flag.Int("values", 6, "number of values to broadcast")
	loss       = flag.Float64("loss", 0, "probability of losing a message")
	configPath = flag.String("config", "", "JSON config used as a template for every peer")
	level      = flag.String("log", "", "log level, overrides the config")
	wait       = flag.Duration("wait", 10*time.Second, "how long to wait for agreement")
)

func setupLogging(name string) error {
	lvl, err := logging.LogLevel(name)
	if err != nil {
		return err
	}
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	format := logging.MustStringFormatter(`%{time:15:04:05.000} %{module} %{level:.4s} %{message}`)
	leveled := logging.AddModuleLevel(logging.NewBackendFormatter(backend, format))
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
	return nil
}

type delivery struct {
	peer  string
	id    paxos.InstanceID
	value string
}

func main() {
	flag.Parse()

	template := config.Default()
	if *configPath != "" {
		var err error
		if template, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if *level != "" {
		template.LogLevel = *level
	}
	if err := setupLogging(template.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ids := make([]string, *peers)
	for i := range ids {
		ids[i] = fmt.Sprintf("node-%d", i+1)
	}

	network := transport.NewNetwork(paxos.Codec{})
	if *loss > 0 {
		network.SetMessageLoss(*loss, time.Now().UnixNano())
	}

	var (
		mu        sync.Mutex
		delivered = make(map[string][]string)
		failed    []string
		done      = make(chan struct{})
		doneOnce  sync.Once
	)
	deliveries := make(chan delivery, *peers**values)

	nodes := make([]*node.Node, len(ids))
	for i, id := range ids {
		cfg := template
		cfg.ID = id
		cfg.ServerID = i + 1
		cfg.Acceptors = ids
		cfg.Learners = ids

		t := network.AddNode(id)
		defer t.Close()
		n, err := node.New(cfg, t)
		if err != nil {
			log.Fatalf("%v", err)
		}

		peer := id
		n.AddListener(paxos.ListenerFunc(func(iid paxos.InstanceID, v paxos.Value) {
			deliveries <- delivery{peer: peer, id: iid, value: string(v)}
		}))
		n.AddFailureListener(paxos.FailureListenerFunc(func(v paxos.Value) {
			mu.Lock()
			failed = append(failed, string(v))
			mu.Unlock()
		}))
		nodes[i] = n
	}

	go func() {
		for d := range deliveries {
			log.Infof("%s delivered instance %d: %s", d.peer, d.id, d.value)
			mu.Lock()
			delivered[d.peer] = append(delivered[d.peer], d.value)
			complete := true
			for _, id := range ids {
				if len(delivered[id]) < *values {
					complete = false
				}
			}
			mu.Unlock()
			if complete {
				doneOnce.Do(func() { close(done) })
			}
		}
	}()

	for _, n := range nodes {
		if err := n.Start(); err != nil {
			log.Fatalf("%v", err)
		}
	}

	for i := 0; i < *values; i++ {
		n := nodes[i%len(nodes)]
		v := fmt.Sprintf("config: add member %s/%d", n.ID(), i)
		if err := n.Propose(paxos.Value(v)); err != nil {
			log.Fatalf("propose %q: %v", v, err)
		}
	}

	select {
	case <-done:
	case <-time.After(*wait):
		log.Warningf("gave up waiting after %s", *wait)
	}
	for _, n := range nodes {
		n.Stop()
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		fmt.Printf("%s:\n", id)
		for i, v := range delivered[id] {
			fmt.Printf("  %2d  %s\n", i, v)
		}
	}
	if len(failed) > 0 {
		fmt.Printf("failed: %v\n", failed)
	}
}
