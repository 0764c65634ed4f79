package main

import (
	"fmt"
	"math/rand"
	"time"

	"threatwatch/core"

	"github.com/google/uuid"
)

// EventGenerator produces benign traffic and attack scenarios as
// threatwatch events
type EventGenerator struct {
	rand  *rand.Rand
	clock time.Time
	step  time.Duration
}

// NewEventGenerator creates a generator whose events start at start and
// advance by step
func NewEventGenerator(seed int64, start time.Time, step time.Duration) *EventGenerator {
	return &EventGenerator{
		rand:  rand.New(rand.NewSource(seed)),
		clock: start.UTC(),
		step:  step,
	}
}

func (g *EventGenerator) next() time.Time {
	t := g.clock
	g.clock = g.clock.Add(g.step)
	return t
}

func (g *EventGenerator) event(eventType core.EventType, sourceIP string) *core.Event {
	return &core.Event{
		EventID:   uuid.New().String(),
		Timestamp: g.next(),
		EventType: eventType,
		SourceIP:  sourceIP,
		UserAgent: g.randomStringChoice(userAgents),
	}
}

// GenerateAuthEvent generates an authentication event
func (g *EventGenerator) GenerateAuthEvent(failed bool) *core.Event {
	e := g.event(core.EventTypeAuthentication, g.randomIP())
	e.User = g.randomUsername()
	e.Resource = "/login"
	e.Action = core.ActionLoginSuccess
	e.StatusCode = 200
	if failed {
		e.Action = core.ActionLoginFailed
		e.StatusCode = 401
	}
	return e
}

// GenerateAPIEvent generates a benign API request
func (g *EventGenerator) GenerateAPIEvent() *core.Event {
	e := g.event(core.EventTypeAPIRequest, g.randomIP())
	e.User = g.randomUsername()
	e.Action = g.randomStringChoice([]string{"GET", "POST", "PUT"})
	e.Resource = g.randomStringChoice(apiPaths)
	e.StatusCode = g.randomIntChoice([]int{200, 200, 200, 201, 204, 304})
	return e
}

// GenerateFileEvent generates a file access with a modest transfer size
func (g *EventGenerator) GenerateFileEvent() *core.Event {
	e := g.event(core.EventTypeFileAccess, g.randomIP())
	e.User = g.randomUsername()
	e.Action = "download"
	e.Resource = fmt.Sprintf("/files/report-%04d.pdf", g.rand.Intn(10000))
	size := int64(g.rand.Intn(5 * 1024 * 1024))
	e.BytesTransferred = &size
	return e
}

// GenerateNoise returns count benign events of mixed types
func (g *EventGenerator) GenerateNoise(count int) []*core.Event {
	events := make([]*core.Event, 0, count)
	for i := 0; i < count; i++ {
		switch g.rand.Intn(3) {
		case 0:
			events = append(events, g.GenerateAuthEvent(false))
		case 1:
			events = append(events, g.GenerateAPIEvent())
		default:
			events = append(events, g.GenerateFileEvent())
		}
	}
	return events
}

// Scenario generators

// GenerateBruteForceScenario generates count failed logins against one
// account from attackerIP, followed by a successful one
func (g *EventGenerator) GenerateBruteForceScenario(attackerIP string, count int) []*core.Event {
	user := g.randomUsername()
	events := make([]*core.Event, 0, count+1)
	for i := 0; i < count; i++ {
		e := g.GenerateAuthEvent(true)
		e.SourceIP = attackerIP
		e.User = user
		events = append(events, e)
	}

	success := g.GenerateAuthEvent(false)
	success.SourceIP = attackerIP
	success.User = user
	return append(events, success)
}

// GenerateCredentialStuffingScenario generates one failed login per
// distinct username from attackerIP
func (g *EventGenerator) GenerateCredentialStuffingScenario(attackerIP string, users int) []*core.Event {
	events := make([]*core.Event, 0, users)
	for i := 0; i < users; i++ {
		e := g.GenerateAuthEvent(true)
		e.SourceIP = attackerIP
		e.User = fmt.Sprintf("user%03d", i)
		events = append(events, e)
	}
	return events
}

// GenerateScanScenario generates probe-path hits and a burst of 404s
func (g *EventGenerator) GenerateScanScenario(attackerIP string, notFound int) []*core.Event {
	events := make([]*core.Event, 0, notFound+len(probePaths))
	for _, path := range probePaths {
		e := g.event(core.EventTypeAPIRequest, attackerIP)
		e.Action = "GET"
		e.Resource = path
		e.StatusCode = 404
		e.UserAgent = "masscan/1.3"
		events = append(events, e)
	}
	for i := 0; i < notFound; i++ {
		e := g.event(core.EventTypeAPIRequest, attackerIP)
		e.Action = "GET"
		e.Resource = fmt.Sprintf("/page-%d", g.rand.Intn(100000))
		e.StatusCode = 404
		events = append(events, e)
	}
	return events
}

// GenerateSQLInjectionScenario generates requests carrying SQL payloads in
// the path and in request metadata
func (g *EventGenerator) GenerateSQLInjectionScenario(attackerIP string) []*core.Event {
	events := make([]*core.Event, 0, len(sqlPayloads))
	for i, payload := range sqlPayloads {
		e := g.event(core.EventTypeAPIRequest, attackerIP)
		e.Action = "GET"
		e.Resource = "/products"
		e.StatusCode = 500
		if i%2 == 0 {
			e.Resource = "/products?id=" + payload
		} else {
			e.Metadata = map[string]interface{}{"query": payload}
		}
		events = append(events, e)
	}
	return events
}

// GenerateExfiltrationScenario generates large transfers from an insider
func (g *EventGenerator) GenerateExfiltrationScenario(insiderIP string, count int) []*core.Event {
	user := g.randomUsername()
	events := make([]*core.Event, 0, count)
	for i := 0; i < count; i++ {
		e := g.GenerateFileEvent()
		e.SourceIP = insiderIP
		e.User = user
		e.Resource = fmt.Sprintf("/exports/customers-%02d.csv", i)
		size := int64(100*1024*1024 + g.rand.Intn(1024*1024))
		e.BytesTransferred = &size
		events = append(events, e)
	}
	return events
}

// GeneratePrivilegeEscalationScenario generates admin actions by a regular user
func (g *EventGenerator) GeneratePrivilegeEscalationScenario(sourceIP string) []*core.Event {
	user := g.randomUsername()
	events := make([]*core.Event, 0, len(adminActions))
	for _, action := range adminActions {
		e := g.event(core.EventTypeAdminAction, sourceIP)
		e.User = user
		e.Action = action
		e.Resource = "/api/admin/users"
		e.StatusCode = 403
		events = append(events, e)
	}
	return events
}

// GenerateOffHoursScenario generates sensitive resource access at 03:xx UTC
// on the generator's current day
func (g *EventGenerator) GenerateOffHoursScenario(sourceIP string) []*core.Event {
	day := g.clock.Truncate(24 * time.Hour)
	events := make([]*core.Event, 0, len(sensitivePaths))
	for i, path := range sensitivePaths {
		e := g.event(core.EventTypeAPIRequest, sourceIP)
		e.Timestamp = day.Add(3*time.Hour + time.Duration(i)*time.Minute)
		e.User = g.randomUsername()
		e.Action = "GET"
		e.Resource = path
		e.StatusCode = 200
		events = append(events, e)
	}
	return events
}

// GenerateRateLimitScenario generates count requests from one client
func (g *EventGenerator) GenerateRateLimitScenario(clientIP string, count int) []*core.Event {
	events := make([]*core.Event, 0, count)
	for i := 0; i < count; i++ {
		e := g.GenerateAPIEvent()
		e.SourceIP = clientIP
		events = append(events, e)
	}
	return events
}

var (
	usernames = []string{
		"alice", "bob", "carol", "dave", "erin", "frank", "grace", "heidi", "ivan", "judy",
	}
	userAgents = []string{
		"Mozilla/5.0 (X11; Linux x86_64)",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0)",
		"curl/8.4.0",
		"python-requests/2.31",
	}
	apiPaths     = []string{"/api/orders", "/api/products", "/api/cart", "/api/profile", "/health"}
	probePaths   = []string{"/.env", "/wp-admin", "/.git/config", "/phpmyadmin", "/../../etc/passwd"}
	sqlPayloads  = []string{"1' OR '1'='1", "1 UNION SELECT username, password FROM users", "1; DROP TABLE orders", "' OR 1=1 --"}
	adminActions = []string{"grant_role", "create_user", "modify_permissions"}
	// sensitivePaths match the default anomalous_time.sensitive_resources
	sensitivePaths = []string{"/admin/settings", "/database/export", "/config/secrets"}
)

func (g *EventGenerator) randomIP() string {
	// RFC 5737 documentation ranges keep generated traffic off real networks
	prefixes := []string{"192.0.2.", "198.51.100.", "203.0.113."}
	return fmt.Sprintf("%s%d", prefixes[g.rand.Intn(len(prefixes))], 1+g.rand.Intn(254))
}

func (g *EventGenerator) randomUsername() string {
	return usernames[g.rand.Intn(len(usernames))]
}

func (g *EventGenerator) randomStringChoice(choices []string) string {
	return choices[g.rand.Intn(len(choices))]
}

func (g *EventGenerator) randomIntChoice(choices []int) int {
	return choices[g.rand.Intn(len(choices))]
}
