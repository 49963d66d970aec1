package main

import (
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
)

type clientConfig struct {
	URL     string
	Table   string
	Where   string
	Secret  string
	From    string
	ShapeID string
}

func bindCommonFlags(fs *flag.FlagSet, conf *clientConfig) {
	fs.StringVar(&conf.URL, "url", "http://127.0.0.1:4680", "Shape API base URL")
	fs.StringVar(&conf.Table, "table", "", "Table name, optionally schema-qualified")
	fs.StringVar(&conf.Where, "where", "", "Row filter expression")
	fs.StringVar(&conf.Secret, "secret", "", "Auth secret")
}

func parseTailFlags(args []string) *clientConfig {
	conf := &clientConfig{}
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	bindCommonFlags(fs, conf)
	fs.StringVar(&conf.From, "from", "-1", "Offset to resume from")
	fs.StringVar(&conf.ShapeID, "shape-id", "", "Shape id to resume with")
	fs.Parse(args)

	if err := conf.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if conf.From != "-1" && conf.ShapeID == "" {
		fmt.Fprintln(os.Stderr, "Error: --from beyond -1 requires --shape-id")
		os.Exit(1)
	}
	return conf
}

func parseDropFlags(args []string) *clientConfig {
	conf := &clientConfig{}
	fs := flag.NewFlagSet("drop", flag.ExitOnError)
	bindCommonFlags(fs, conf)
	fs.StringVar(&conf.ShapeID, "shape-id", "", "Shape id to invalidate")
	fs.Parse(args)

	if err := conf.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if conf.ShapeID == "" {
		fmt.Fprintln(os.Stderr, "Error: --shape-id is required")
		os.Exit(1)
	}
	return conf
}

func (c *clientConfig) validate() error {
	if c.Table == "" {
		return fmt.Errorf("--table is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid --url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("--url must be http or https")
	}
	c.URL = strings.TrimRight(c.URL, "/")
	return nil
}

// shapeURL builds the request URL for one shape call. The table segment
// may carry a schema qualifier, which must survive escaping intact.
func (c *clientConfig) shapeURL(off, shapeID string, live bool) string {
	q := url.Values{}
	if off != "" {
		q.Set("offset", off)
	}
	if shapeID != "" {
		q.Set("shape_id", shapeID)
	}
	if c.Where != "" {
		q.Set("where", c.Where)
	}
	if live {
		q.Set("live", "true")
	}
	return fmt.Sprintf("%s/v1/shape/%s?%s", c.URL, url.PathEscape(c.Table), q.Encode())
}

func (c *clientConfig) newRequest(method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequest(method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if c.Secret != "" {
		req.Header.Set("X-Shapesync-Secret", c.Secret)
	}
	return req, nil
}
