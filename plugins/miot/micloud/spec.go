package micloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	SpecInstancesURL = "https://miot-spec.org/miot-spec-v2/instances?status=all"
	SpecInstanceURL  = "https://miot-spec.org/miot-spec-v2/instance"
)

// ErrSpecNotFound is returned when the catalog has no instance for a model.
var ErrSpecNotFound = errors.New("micloud: no spec for model")

// SpecInstance is one row of the catalog's instance list.
type SpecInstance struct {
	Status  string `json:"status"`
	Model   string `json:"model"`
	Version int    `json:"version"`
	Type    string `json:"type"`
	TS      int64  `json:"ts"`
}

// Spec is a device capability document.
type Spec struct {
	Type        string        `json:"type"`
	Description string        `json:"description"`
	Services    []SpecService `json:"services"`
}

type SpecService struct {
	IID         int            `json:"iid"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Properties  []SpecProperty `json:"properties,omitempty"`
	Actions     []SpecAction   `json:"actions,omitempty"`
	Events      []SpecEvent    `json:"events,omitempty"`
}

type SpecProperty struct {
	IID         int         `json:"iid"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Format      string      `json:"format"`
	Access      []string    `json:"access"`
	Unit        string      `json:"unit,omitempty"`
	ValueList   []SpecValue `json:"value-list,omitempty"`
	ValueRange  []float64   `json:"value-range,omitempty"`
}

type SpecValue struct {
	Value       int    `json:"value"`
	Description string `json:"description"`
}

type SpecAction struct {
	IID         int    `json:"iid"`
	Type        string `json:"type"`
	Description string `json:"description"`
	In          []int  `json:"in"`
	Out         []int  `json:"out"`
}

type SpecEvent struct {
	IID         int    `json:"iid"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Arguments   []int  `json:"arguments"`
}

// ElementName returns the short name segment of a urn
// (urn:miot-spec-v2:property:power:00000011:... -> power).
func ElementName(urn string) string {
	parts := strings.Split(urn, ":")
	if len(parts) < 4 {
		return urn
	}
	return parts[3]
}

// PropertyRef addresses one property of a device by service and property iid.
type PropertyRef struct {
	Name   string
	SIID   int
	PIID   int
	Format string
	Unit   string
	Access []string
}

func (p PropertyRef) Can(mode string) bool {
	for _, a := range p.Access {
		if a == mode {
			return true
		}
	}
	return false
}

// Properties lists every property as "service:property".
func (s Spec) Properties() []PropertyRef {
	var refs []PropertyRef
	for _, svc := range s.Services {
		service := ElementName(svc.Type)
		for _, prop := range svc.Properties {
			refs = append(refs, PropertyRef{
				Name:   service + ":" + ElementName(prop.Type),
				SIID:   svc.IID,
				PIID:   prop.IID,
				Format: prop.Format,
				Unit:   prop.Unit,
				Access: prop.Access,
			})
		}
	}
	return refs
}

func (s Spec) ReadableProperties() []PropertyRef {
	return s.filter("read")
}

func (s Spec) WritableProperties() []PropertyRef {
	return s.filter("write")
}

// Property looks a property up by its "service:property" name.
func (s Spec) Property(name string) (PropertyRef, bool) {
	for _, ref := range s.Properties() {
		if ref.Name == name {
			return ref, true
		}
	}
	return PropertyRef{}, false
}

func (s Spec) filter(mode string) []PropertyRef {
	var out []PropertyRef
	for _, ref := range s.Properties() {
		if ref.Can(mode) {
			out = append(out, ref)
		}
	}
	return out
}

// Cache stores capability documents by key. Any Load error is a miss.
type Cache interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// SpecClient resolves models to capability documents, caching them in
// memory and, when configured, in a Cache.
type SpecClient struct {
	http  *http.Client
	cache Cache
	log   *logrus.Entry

	instancesURL string
	instanceURL  string

	mu        sync.Mutex
	instances []SpecInstance
	specs     map[string]Spec
}

func NewSpecClient(httpClient *http.Client, cache Cache, log *logrus.Entry) *SpecClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SpecClient{
		http:         httpClient,
		cache:        cache,
		log:          log,
		instancesURL: SpecInstancesURL,
		instanceURL:  SpecInstanceURL,
		specs:        map[string]Spec{},
	}
}

func specCacheKey(model string) string {
	return "specs/" + model + ".json"
}

// Spec returns the capability document for model.
func (c *SpecClient) Spec(ctx context.Context, model string) (Spec, error) {
	c.mu.Lock()
	if spec, ok := c.specs[model]; ok {
		c.mu.Unlock()
		return spec, nil
	}
	c.mu.Unlock()

	if c.cache != nil {
		if data, err := c.cache.Load(ctx, specCacheKey(model)); err == nil {
			var spec Spec
			if err := json.Unmarshal(data, &spec); err == nil {
				c.remember(model, spec)
				return spec, nil
			}
		}
	}

	urn, err := c.URN(ctx, model)
	if err != nil {
		return Spec{}, err
	}
	body, err := c.get(ctx, c.instanceURL+"?type="+url.QueryEscape(urn))
	if err != nil {
		return Spec{}, fmt.Errorf("fetch spec %s: %w", urn, err)
	}
	var spec Spec
	if err := json.Unmarshal(body, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode spec %s: %w", urn, err)
	}
	c.remember(model, spec)

	if c.cache != nil {
		if err := c.cache.Save(ctx, specCacheKey(model), body); err != nil {
			c.log.WithError(err).WithField("model", model).Warn("spec cache save failed")
		}
	}
	return spec, nil
}

// URN finds the catalog type urn for model, preferring released instances.
func (c *SpecClient) URN(ctx context.Context, model string) (string, error) {
	instances, err := c.Instances(ctx)
	if err != nil {
		return "", err
	}
	urn := ""
	for _, inst := range instances {
		if inst.Model != model {
			continue
		}
		if inst.Status == "released" {
			return inst.Type, nil
		}
		if urn == "" {
			urn = inst.Type
		}
	}
	if urn == "" {
		return "", fmt.Errorf("%w: %s", ErrSpecNotFound, model)
	}
	return urn, nil
}

// Instances returns the catalog instance list, fetched once per client.
func (c *SpecClient) Instances(ctx context.Context) ([]SpecInstance, error) {
	c.mu.Lock()
	cached := c.instances
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	body, err := c.get(ctx, c.instancesURL)
	if err != nil {
		return nil, fmt.Errorf("fetch spec instances: %w", err)
	}
	var out struct {
		Instances []SpecInstance `json:"instances"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode spec instances: %w", err)
	}
	if out.Instances == nil {
		out.Instances = []SpecInstance{}
	}

	c.mu.Lock()
	c.instances = out.Instances
	c.mu.Unlock()
	return out.Instances, nil
}

func (c *SpecClient) remember(model string, spec Spec) {
	c.mu.Lock()
	c.specs[model] = spec
	c.mu.Unlock()
}

func (c *SpecClient) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}
