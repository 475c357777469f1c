package proto

import (
	"encoding/json"
	"strconv"
	"strings"
)

// wireInfo mirrors the INFO JSON body. Required fields (§4.4) are
// pointers here too so a missing key can be distinguished from a
// present-but-zero value; decodeInfo promotes them into Info and errors
// if any required field is absent. Unknown keys are ignored by
// encoding/json automatically, satisfying the forward-compatibility
// requirement in §4.4/§9.
type wireInfo struct {
	ServerID   *string `json:"server_id"`
	ServerName *string `json:"server_name"`
	Version    *string `json:"version"`
	Go         *string `json:"go"`
	Host       *string `json:"host"`
	Port       *uint16 `json:"port"`
	Headers    *bool   `json:"headers"`
	Proto      *int32  `json:"proto"`

	MaxPayload    *uint64  `json:"max_payload"`
	ClientID      *uint64  `json:"client_id"`
	AuthRequired  *bool    `json:"auth_required"`
	TLSRequired   *bool    `json:"tls_required"`
	TLSVerify     *bool    `json:"tls_verify"`
	TLSAvailable  *bool    `json:"tls_available"`
	ConnectURLs   []string `json:"connect_urls"`
	WSConnectURLs []string `json:"ws_connect_urls"`
	LameDuckMode  *bool    `json:"ldm"`
	GitCommit     *string  `json:"git_commit"`
	JetStream     *bool    `json:"jetstream"`
	IP            *string  `json:"ip"`
	ClientIP      *string  `json:"client_ip"`
	Nonce         *string  `json:"nonce"`
	Cluster       *string  `json:"cluster"`
	Domain        *string  `json:"domain"`
	Xkey          *string  `json:"xkey"`
}

// requiredInfoField names a required INFO field, for error reporting.
type requiredInfoField string

func (f requiredInfoField) Error() string { return "proto: INFO missing required field " + string(f) }

// decodeInfo parses the JSON object body of an INFO frame (the bytes
// between "INFO " and the terminating CRLF, including the braces).
func decodeInfo(body []byte) (*Info, error) {
	var w wireInfo
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, err
	}

	switch {
	case w.ServerID == nil:
		return nil, requiredInfoField("server_id")
	case w.ServerName == nil:
		return nil, requiredInfoField("server_name")
	case w.Version == nil:
		return nil, requiredInfoField("version")
	case w.Go == nil:
		return nil, requiredInfoField("go")
	case w.Host == nil:
		return nil, requiredInfoField("host")
	case w.Port == nil:
		return nil, requiredInfoField("port")
	case w.Headers == nil:
		return nil, requiredInfoField("headers")
	case w.Proto == nil:
		return nil, requiredInfoField("proto")
	}

	return &Info{
		ServerID:      *w.ServerID,
		ServerName:    *w.ServerName,
		Version:       parseVersion(*w.Version),
		Go:            *w.Go,
		Host:          *w.Host,
		Port:          *w.Port,
		Headers:       *w.Headers,
		Proto:         *w.Proto,
		MaxPayload:    w.MaxPayload,
		ClientID:      w.ClientID,
		AuthRequired:  w.AuthRequired,
		TLSRequired:   w.TLSRequired,
		TLSVerify:     w.TLSVerify,
		TLSAvailable:  w.TLSAvailable,
		ConnectURLs:   w.ConnectURLs,
		WSConnectURLs: w.WSConnectURLs,
		LameDuckMode:  w.LameDuckMode,
		GitCommit:     w.GitCommit,
		JetStream:     w.JetStream,
		IP:            w.IP,
		ClientIP:      w.ClientIP,
		Nonce:         w.Nonce,
		Cluster:       w.Cluster,
		Domain:        w.Domain,
		Xkey:          w.Xkey,
	}, nil
}

// parseVersion decodes a server version string into its semver
// components: split on the first '-' for the dev suffix, then split the
// prefix on '.' and assign major/minor/patch from tokens 0/1/2 whenever
// present.
//
// The source this parser was distilled from assigns major only when more
// than 1 dot-token exists, minor only when more than 2, and patch only
// when more than 3 — an off-by-one that silently drops major on a bare
// "7" and drops minor on "7.2" (see spec.md §9). This implements the
// intended behavior instead: assign each component whenever its token is
// present.
func parseVersion(version string) Version {
	var v Version

	rest := version
	if i := strings.IndexByte(version, '-'); i >= 0 {
		rest = version[:i]
		v.Dev = version[i+1:]
	}

	tokens := strings.Split(rest, ".")
	if len(tokens) > 0 {
		if n, err := strconv.ParseUint(tokens[0], 10, 32); err == nil {
			v.Major = uint32(n)
		}
	}
	if len(tokens) > 1 {
		if n, err := strconv.ParseUint(tokens[1], 10, 32); err == nil {
			v.Minor = uint32(n)
		}
	}
	if len(tokens) > 2 {
		if n, err := strconv.ParseUint(tokens[2], 10, 32); err == nil {
			v.Patch = uint32(n)
		}
	}
	return v
}
