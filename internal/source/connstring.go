package source

import (
	"fmt"
	"strconv"
	"strings"
)

// ConnParams holds the fields recognised in a catalog connection string.
// The grammar is permissive KEY=VALUE pairs separated by semicolons;
// unknown keys are ignored and whitespace is trimmed on both sides.
type ConnParams struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	Service  string // Oracle service name
}

// keys recognised across engines. MSSQL-style keys are upper case,
// MySQL/PG-style keys lower case; both are accepted everywhere.
var paramKeys = map[string]func(*ConnParams, string){
	"SERVER":   func(p *ConnParams, v string) { p.Host = v },
	"host":     func(p *ConnParams, v string) { p.Host = v },
	"DATABASE": func(p *ConnParams, v string) { p.Database = v },
	"db":       func(p *ConnParams, v string) { p.Database = v },
	"UID":      func(p *ConnParams, v string) { p.User = v },
	"user":     func(p *ConnParams, v string) { p.User = v },
	"PWD":      func(p *ConnParams, v string) { p.Password = v },
	"password": func(p *ConnParams, v string) { p.Password = v },
	"service":  func(p *ConnParams, v string) { p.Service = v },
}

// ParseConnString parses a catalog connection string. defaultPort applies
// when the string carries no PORT key. Missing host, database or user fail
// early; out-of-range ports fall back to the default.
func ParseConnString(raw string, defaultPort int) (ConnParams, error) {
	p := ConnParams{Port: defaultPort}

	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		eq := strings.Index(pair, "=")
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(pair[:eq])
		val := strings.TrimSpace(pair[eq+1:])

		if key == "PORT" || key == "port" {
			port, err := strconv.Atoi(val)
			if err != nil || port < 1 || port > 65535 {
				p.Port = defaultPort
				continue
			}
			p.Port = port
			continue
		}
		if set, ok := paramKeys[key]; ok {
			set(&p, val)
		}
	}

	if p.Host == "" {
		return p, fmt.Errorf("connection string missing server/host")
	}
	if p.Database == "" && p.Service == "" {
		return p, fmt.Errorf("connection string missing database")
	}
	if p.User == "" {
		return p, fmt.Errorf("connection string missing user")
	}
	return p, nil
}
