package nrs

import (
	"crypto/x509"
	"log/slog"
	"unique"
)

// Hostname is the name a peer of the transport proves with its
// certificate. It doubles as its memberlist node name.
type Hostname string

// Host is the last known location of a named peer.
type Host struct {
	Name unique.Handle[Hostname]
	Addr string
	Port int
}

func (host *Host) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", string(host.Name.Value())),
		slog.String("addr", host.Addr),
		slog.Int("port", host.Port),
	)
}

// HostnameResolver names a peer from the certificates it presented.
//
// Implementations run on the connection establishment path and MUST NOT
// block. On failure they return an error and, optionally, a message sent
// back to the peer so it can debug the failure. With an empty message,
// the peer only learns the resolution failed.
type HostnameResolver func(certs []*x509.Certificate) (Hostname, error, string)

// CommonNameResolver names peers after the Subject Common Name of their
// leaf certificate. It is the default.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, error, string) {
	if len(certs) == 0 {
		return "", ErrHostnameResolve, "no client certificate provided"
	}
	if certs[0].Subject.CommonName == "" {
		return "", ErrHostnameResolve, "certificate has no common name"
	}
	return Hostname(certs[0].Subject.CommonName), nil, ""
}

// DNSNameResolver names peers after the first DNS SAN of their leaf
// certificate.
func DNSNameResolver(certs []*x509.Certificate) (Hostname, error, string) {
	if len(certs) == 0 {
		return "", ErrHostnameResolve, "no client certificate provided"
	}
	if len(certs[0].DNSNames) == 0 {
		return "", ErrHostnameResolve, "certificate has no DNS name"
	}
	return Hostname(certs[0].DNSNames[0]), nil, ""
}
