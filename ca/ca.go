/*Package ca provides a client for process variables reached through an
HTTP Channel Access gateway.

The gateway bridges caget/caput onto plain JSON over HTTP:

	GET  {base}/pv/{name}       -> {"value": <number|string|array>}
	PUT  {base}/pv/{name}  body    {"value": <number>}

A PUT does not return until the write has completed on the IOC, so Put and
PutInt behave like caput(..., wait=True).

Most usages boil down to:
 1. Dial the gateway once at startup.
 2. Resolve PV templates with Address to pin them to a lab.
 3. Get/Put scalars with the 5 second deadline, GetArray for waveforms.

Failures come back as ordinary errors; there is no retry of individual
operations, the caller decides whether a miss is fatal.
*/
package ca

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	// ScalarTimeout is the deadline applied to scalar get and put operations
	ScalarTimeout = 5 * time.Second
)

var (
	// ErrNotScalar is generated when a scalar read returns an array value
	ErrNotScalar = errors.New("pv value is an array, not a scalar")

	// ErrNotArray is generated when an array read returns a scalar value
	ErrNotArray = errors.New("pv value is a scalar, not an array")
)

// Client can read and write process variables.  Scalar operations carry a
// fixed deadline; array reads use the transport default.
type Client interface {
	// Get reads a PV as a float64
	Get(pv string) (float64, error)

	// GetString reads a PV with string decoding, the way caget(as_string=True) does
	GetString(pv string) (string, error)

	// GetArray reads a waveform PV
	GetArray(pv string) ([]float64, error)

	// Put writes a float64 to a PV and waits for completion
	Put(pv string, value float64) error

	// PutInt writes an integer to a PV and waits for completion
	PutInt(pv string, value int) error
}

// Address resolves a PV template containing the literal token "lab{1}" to a
// concrete address for the given lab index, e.g.
// Address("lab{1}Chan1:DAC-I", 3) => "lab{3}Chan1:DAC-I"
func Address(template string, labIndex int) string {
	return strings.Replace(template, "lab{1}", fmt.Sprintf("lab{%d}", labIndex), -1)
}

// envelope is the JSON body used in both directions by the gateway
type envelope struct {
	Value interface{} `json:"value"`
}

// Gateway implements Client over an HTTP CA gateway
type Gateway struct {
	// Base is the root URL of the gateway, e.g. http://cagw.lab.example:8080
	Base string

	scalar *http.Client
	array  *http.Client
}

// NewGateway creates a Gateway for the given base URL.  It does not probe
// the remote; use Dial for that.
func NewGateway(base string) *Gateway {
	return &Gateway{
		Base:   strings.TrimRight(base, "/"),
		scalar: &http.Client{Timeout: ScalarTimeout},
		array:  &http.Client{}}
}

// Dial probes the gateway with an exponential backoff before returning a
// Gateway bound to it.  The gateways do not like being connection thrashed
// on IOC reboot, hence the backoff.
func Dial(base string) (*Gateway, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	host := u.Host
	if !strings.Contains(host, ":") {
		host = host + ":80"
	}
	op := func() error {
		conn, err := net.DialTimeout("tcp", host, time.Second)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	err = backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("connection timeout to gateway %s: %v", base, err)
	}
	return NewGateway(base), nil
}

func (g *Gateway) pvURL(pv string) string {
	return g.Base + "/pv/" + url.PathEscape(pv)
}

func (g *Gateway) get(c *http.Client, pv string) (interface{}, error) {
	resp, err := c.Get(g.pvURL(pv))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %s for %s", resp.Status, pv)
	}
	var e envelope
	err = json.NewDecoder(resp.Body).Decode(&e)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

// Get reads a PV as a float64 with the scalar deadline
func (g *Gateway) Get(pv string) (float64, error) {
	v, err := g.get(g.scalar, pv)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	case []interface{}:
		return 0, ErrNotScalar
	}
	return 0, fmt.Errorf("cannot interpret value of %s as float", pv)
}

// GetString reads a PV with string decoding
func (g *Gateway) GetString(pv string) (string, error) {
	v, err := g.get(g.scalar, pv)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case []interface{}:
		return "", ErrNotScalar
	}
	return "", fmt.Errorf("cannot interpret value of %s as string", pv)
}

// GetArray reads a waveform PV.  No deadline beyond the transport default.
func (g *Gateway) GetArray(pv string) ([]float64, error) {
	v, err := g.get(g.array, pv)
	if err != nil {
		return nil, err
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil, ErrNotArray
	}
	out := make([]float64, len(raw))
	for i, el := range raw {
		f, ok := el.(float64)
		if !ok {
			return nil, fmt.Errorf("element %d of %s is not a number", i, pv)
		}
		out[i] = f
	}
	return out, nil
}

func (g *Gateway) put(pv string, value interface{}) error {
	buf := &bytes.Buffer{}
	err := json.NewEncoder(buf).Encode(envelope{Value: value})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPut, g.pvURL(pv), buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.scalar.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s writing %s", resp.Status, pv)
	}
	return nil
}

// Put writes a float64 to a PV and waits for the write to complete
func (g *Gateway) Put(pv string, value float64) error {
	return g.put(pv, value)
}

// PutInt writes an integer to a PV and waits for the write to complete
func (g *Gateway) PutInt(pv string, value int) error {
	return g.put(pv, value)
}
