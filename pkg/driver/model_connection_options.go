package driver

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionOptions describes how to reach the deployment. URI wins when
// set; otherwise a connection string is assembled from the discrete fields.
type ConnectionOptions struct {
	URI        string
	Hosts      []string
	Port       int
	ReplicaSet string
	AuthSource string
	User       string
	Password   string
	Direct     bool
	SRVMode    bool

	ConnectTimeout time.Duration
}

// IsDocDB check if we connect to amazon doc DB
func (o *ConnectionOptions) IsDocDB() bool {
	for _, h := range o.Hosts {
		if strings.Contains(h, "docdb.amazonaws.com") {
			return true
		}
	}
	return false
}

func (o *ConnectionOptions) connectionString() string {
	if o.URI != "" {
		return o.URI
	}
	scheme := "mongodb"
	if o.SRVMode {
		scheme = "mongodb+srv"
	}
	hosts := make([]string, 0, len(o.Hosts))
	for _, host := range o.Hosts {
		if o.Port > 0 && !o.SRVMode && !strings.Contains(host, ":") {
			host = fmt.Sprintf("%s:%d", host, o.Port)
		}
		hosts = append(hosts, host)
	}
	uri := fmt.Sprintf("%s://%s/", scheme, strings.Join(hosts, ","))
	params := make([]string, 0, 2)
	if o.ReplicaSet != "" {
		params = append(params, "replicaSet="+o.ReplicaSet)
	}
	if o.Direct {
		params = append(params, "directConnection=true")
	}
	if len(params) > 0 {
		uri += "?" + strings.Join(params, "&")
	}
	return uri
}
