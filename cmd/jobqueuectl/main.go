// Command jobqueuectl manages a running jobqueued via its HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const usage = `usage: jobqueuectl [-server url] <command> [flags] [args]

commands:
  stats [queue]                 show statistics of all queues or a single queue
  workers                       list workers
  pause [queue]                 pause a queue, or all queues
  resume [queue]                resume a queue, or all queues
  drain <queue>                 remove waiting and delayed jobs
  clean [-grace d] [-states s] <queue>
                                remove finished jobs
  scale <queue> <workers>       change the number of workers of a queue
  add [flags] <queue> <type>    add a job
  job <id>                      show a job
  dlq-list [flags] <queue>      list dead letters of a queue
  dlq-retry [-force] <queue> <id>
                                retry a dead letter
  dlq-retry-all [flags] <queue> retry all pending dead letters of a queue
  dlq-export [flags]            export dead letters as JSON or CSV
  dlq-cleanup -days n           remove dead letters older than n days
  dlq-stats [-top n]            show dead letter statistics
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type command func(c *client, args []string) error

var commands = map[string]command{
	"stats":         stats,
	"workers":       workers,
	"pause":         pause,
	"resume":        resume,
	"drain":         drain,
	"clean":         clean,
	"scale":         scale,
	"add":           add,
	"job":           job,
	"dlq-list":      dlqList,
	"dlq-retry":     dlqRetry,
	"dlq-retry-all": dlqRetryAll,
	"dlq-export":    dlqExport,
	"dlq-cleanup":   dlqCleanup,
	"dlq-stats":     dlqStats,
}

func run(args []string, stdout io.Writer) error {
	defaultServer := os.Getenv("JOBQUEUE_SERVER")
	if defaultServer == "" {
		defaultServer = "http://127.0.0.1:8080"
	}
	fs := flag.NewFlagSet("jobqueuectl", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	var (
		server  = fs.String("server", defaultServer, "URL of the jobqueued server")
		timeout = fs.Duration("timeout", 30*time.Second, "request timeout")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("no command specified")
	}
	name := fs.Arg(0)
	cmd, found := commands[name]
	if !found {
		names := make([]string, 0, len(commands))
		for n := range commands {
			names = append(names, n)
		}
		sort.Strings(names)
		return errors.Errorf("unknown command %q, want one of %s", name, strings.Join(names, ", "))
	}
	c := &client{
		base: strings.TrimRight(*server, "/"),
		http: &http.Client{Timeout: *timeout},
		out:  stdout,
	}
	return cmd(c, fs.Args()[1:])
}

// client talks to the HTTP API.
type client struct {
	base string
	http *http.Client
	out  io.Writer
}

// do sends a request and copies the response to the output. JSON
// responses are indented.
func (c *client) do(method, path string, body interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if res.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return errors.Errorf("%s: %s", res.Status, e.Error)
		}
		return errors.New(res.Status)
	}
	if strings.HasPrefix(res.Header.Get("Content-Type"), "application/json") {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err == nil {
			data = buf.Bytes()
		}
	}
	_, err = c.out.Write(data)
	return err
}

func queuePath(queue string, parts ...string) string {
	return "/v1/queues/" + url.PathEscape(queue) + strings.Join(parts, "")
}

func wantArgs(fs *flag.FlagSet, n int, names string) error {
	if fs.NArg() != n {
		return errors.Errorf("%s: want arguments %s", fs.Name(), names)
	}
	return nil
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

func stats(c *client, args []string) error {
	switch len(args) {
	case 0:
		return c.do("GET", "/v1/stats", nil)
	case 1:
		return c.do("GET", queuePath(args[0], "/stats"), nil)
	default:
		return errors.New("stats: want at most one queue")
	}
}

func workers(c *client, args []string) error {
	return c.do("GET", "/v1/workers", nil)
}

func pause(c *client, args []string) error {
	if len(args) == 0 {
		return c.do("POST", "/v1/pause", nil)
	}
	return c.do("POST", queuePath(args[0], "/pause"), nil)
}

func resume(c *client, args []string) error {
	if len(args) == 0 {
		return c.do("POST", "/v1/resume", nil)
	}
	return c.do("POST", queuePath(args[0], "/resume"), nil)
}

func drain(c *client, args []string) error {
	if len(args) != 1 {
		return errors.New("drain: want arguments <queue>")
	}
	return c.do("POST", queuePath(args[0], "/drain"), nil)
}

func clean(c *client, args []string) error {
	fs := newFlagSet("clean")
	var (
		grace  = fs.Duration("grace", 0, "only remove jobs finished longer ago")
		states = fs.String("states", "", "comma-separated states to remove (completed and failed by default)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 1, "<queue>"); err != nil {
		return err
	}
	body := map[string]interface{}{"graceMs": grace.Milliseconds()}
	if *states != "" {
		body["states"] = strings.Split(*states, ",")
	}
	return c.do("POST", queuePath(fs.Arg(0), "/clean"), body)
}

func scale(c *client, args []string) error {
	if len(args) != 2 {
		return errors.New("scale: want arguments <queue> <workers>")
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.Errorf("scale: invalid number of workers %q", args[1])
	}
	return c.do("POST", queuePath(args[0], "/scale"), map[string]int{"workers": n})
}

func add(c *client, args []string) error {
	fs := newFlagSet("add")
	var (
		payload  = fs.String("payload", "", "JSON payload")
		id       = fs.String("id", "", "job identifier")
		priority = fs.Int("priority", 0, "priority")
		attempts = fs.Int("attempts", 0, "maximum number of attempts")
		timeout  = fs.Duration("timeout", 0, "timeout per attempt")
		delay    = fs.Duration("delay", 0, "delay before the job may run")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 2, "<queue> <type>"); err != nil {
		return err
	}
	body := map[string]interface{}{
		"type":        fs.Arg(1),
		"jobId":       *id,
		"priority":    *priority,
		"maxAttempts": *attempts,
		"timeoutMs":   timeout.Milliseconds(),
		"delayMs":     delay.Milliseconds(),
	}
	if *payload != "" {
		if !json.Valid([]byte(*payload)) {
			return errors.New("add: payload is not valid JSON")
		}
		body["payload"] = json.RawMessage(*payload)
	}
	return c.do("POST", queuePath(fs.Arg(0), "/jobs"), body)
}

func job(c *client, args []string) error {
	if len(args) != 1 {
		return errors.New("job: want arguments <id>")
	}
	return c.do("GET", "/v1/jobs/"+url.PathEscape(args[0]), nil)
}

func dlqList(c *client, args []string) error {
	fs := newFlagSet("dlq-list")
	var (
		start = fs.Int("start", 0, "first position")
		end   = fs.Int("end", -1, "last position (negative for all)")
		order = fs.String("order", "desc", "asc (oldest first) or desc")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 1, "<queue>"); err != nil {
		return err
	}
	q := url.Values{}
	q.Set("start", strconv.Itoa(*start))
	q.Set("end", strconv.Itoa(*end))
	q.Set("order", *order)
	return c.do("GET", "/v1/dlq/"+url.PathEscape(fs.Arg(0))+"?"+q.Encode(), nil)
}

func dlqRetry(c *client, args []string) error {
	fs := newFlagSet("dlq-retry")
	force := fs.Bool("force", false, "retry even if an earlier retry failed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 2, "<queue> <id>"); err != nil {
		return err
	}
	path := "/v1/dlq/" + url.PathEscape(fs.Arg(0)) + "/" + url.PathEscape(fs.Arg(1)) + "/retry"
	if *force {
		path += "?force=true"
	}
	return c.do("POST", path, nil)
}

func dlqRetryAll(c *client, args []string) error {
	fs := newFlagSet("dlq-retry-all")
	var (
		batch = fs.Int("batch", 10, "dead letters retried concurrently")
		delay = fs.Duration("delay", 0, "pause between batches")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 1, "<queue>"); err != nil {
		return err
	}
	body := map[string]interface{}{"batchSize": *batch, "delayMs": delay.Milliseconds()}
	return c.do("POST", "/v1/dlq/"+url.PathEscape(fs.Arg(0))+"/retry-all", body)
}

func dlqExport(c *client, args []string) error {
	fs := newFlagSet("dlq-export")
	var (
		format  = fs.String("format", "json", "json or csv")
		payload = fs.Bool("payload", false, "include payloads")
		queue   = fs.String("queue", "", "export a single queue")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := url.Values{}
	q.Set("format", *format)
	if *payload {
		q.Set("payload", "true")
	}
	if *queue != "" {
		q.Set("queue", *queue)
	}
	return c.do("GET", "/v1/dlq/export?"+q.Encode(), nil)
}

func dlqCleanup(c *client, args []string) error {
	fs := newFlagSet("dlq-cleanup")
	days := fs.Int("days", -1, "retention in days")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *days < 0 {
		return errors.New("dlq-cleanup: -days is required")
	}
	return c.do("DELETE", "/v1/dlq?retentionDays="+strconv.Itoa(*days), nil)
}

func dlqStats(c *client, args []string) error {
	fs := newFlagSet("dlq-stats")
	top := fs.Int("top", 10, "number of failure patterns")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return c.do("GET", "/v1/dlq/stats?top="+strconv.Itoa(*top), nil)
}
