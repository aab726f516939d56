// Package semp talks to the broker's control plane. Show-style queries go
// over the in-band request/reply topic of the peer router and come back as
// XML documents; the forced client disconnect is a SEMP v2 action issued
// over the administrative REST endpoint.
package semp

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sarkologist/solace-beam-unboundedSource/pkg/broker"
)

const (
	// replyTimeout bounds the in-band request/reply round trip.
	replyTimeout = 5000 * time.Millisecond

	// UnknownActiveConsumer is returned when the active consumer of a queue
	// cannot be determined. It never collides with a real client name.
	UnknownActiveConsumer = "ACTIVE_FLOW_UNKNOWN_CLIENT"

	// BacklogUnknown is the sentinel spool usage reported when the backlog
	// query fails. Backlog reporting is best-effort.
	BacklogUnknown int64 = -1

	activeFlowPath = "/rpc-reply/rpc/show/queue/queues/queue/info/clients/client[is-active='Active-Consumer']/name"
	spoolUsagePath = "/rpc-reply/rpc/show/queue/queues/queue/info/current-spool-usage-in-bytes"
)

// Config carries the control-plane coordinates and admin credentials.
type Config struct {
	Host          string
	VPN           string
	AdminUsername string
	AdminPassword string
	// AdminEndpoint overrides the default http://<host>:8080 base of the
	// SEMP v2 REST API. Used by tests.
	AdminEndpoint string
}

// Client queries one router's control plane.
type Client struct {
	session   broker.Session
	conf      Config
	showTopic string
	rest      *http.Client
	logger    logrus.FieldLogger
}

// New builds a client bound to the session's peer router.
func New(session broker.Session, conf Config, logger logrus.FieldLogger) *Client {
	return &Client{
		session:   session,
		conf:      conf,
		showTopic: fmt.Sprintf("#SEMP/%s/SHOW", session.RouterName()),
		rest:      &http.Client{Timeout: replyTimeout},
		logger:    logger,
	}
}

// Query sends the request document to the router's SHOW topic and extracts
// the text of the element at path from the XML reply.
func (c *Client) Query(request, path string) (string, error) {
	reply, err := c.session.RequestReply(c.showTopic, []byte(request), replyTimeout)
	if err != nil {
		return "", errors.Wrap(err, "semp: show request failed")
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(reply); err != nil {
		return "", errors.Wrap(err, "semp: malformed show reply")
	}
	el := doc.FindElement(path)
	if el == nil {
		return "", errors.Errorf("semp: reply has no element at %s", path)
	}
	return el.Text(), nil
}

func showQueueRequest(queue, vpn string) string {
	return fmt.Sprintf(
		"<rpc><show><queue><name>%s</name><vpn-name>%s</vpn-name></queue></show></rpc>",
		queue, vpn)
}

// ActiveConsumer reports the client name currently holding the
// active-consumer slot of the queue. Any failure yields
// UnknownActiveConsumer; arbitration treats that as a rival and retries.
func (c *Client) ActiveConsumer(queue string) string {
	name, err := c.Query(showQueueRequest(queue, c.conf.VPN), activeFlowPath)
	if err != nil {
		c.logger.WithError(err).Errorf("querying active flow for queue [%s]", queue)
		return UnknownActiveConsumer
	}
	return name
}

// QueueBacklogBytes reports the current spool usage of the queue in bytes,
// or BacklogUnknown if the query fails.
func (c *Client) QueueBacklogBytes(queue string) int64 {
	text, err := c.Query(showQueueRequest(queue, c.conf.VPN), spoolUsagePath)
	if err != nil {
		c.logger.WithError(err).Errorf("querying spool usage for queue [%s]", queue)
		return BacklogUnknown
	}
	bytes, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		c.logger.WithError(err).Errorf("spool usage for queue [%s] is not a number", queue)
		return BacklogUnknown
	}
	return bytes
}

func (c *Client) adminBase() string {
	if c.conf.AdminEndpoint != "" {
		return c.conf.AdminEndpoint
	}
	return "http://" + c.conf.Host + ":8080"
}

// DisconnectClient forcibly disconnects the named client from the message
// VPN via the SEMP v2 action API and returns the HTTP status line. Failures
// are logged, not returned; the arbitration loop re-queries and retries.
func (c *Client) DisconnectClient(clientName string) string {
	escaped := strings.ReplaceAll(clientName, "/", "%2F")
	escaped = strings.ReplaceAll(escaped, "#", "%23")
	url := fmt.Sprintf("%s/SEMP/v2/action/msgVpns/%s/clients/%s/disconnect",
		c.adminBase(), c.conf.VPN, escaped)

	req, err := http.NewRequest(http.MethodPut, url, strings.NewReader("{}"))
	if err != nil {
		c.logger.WithError(err).Errorf("building disconnect request for client [%s]", clientName)
		return "request not sent"
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.conf.AdminUsername, c.conf.AdminPassword)

	c.logger.Infof("sending disconnect call: %s", url)
	resp, err := c.rest.Do(req)
	if err != nil {
		c.logger.WithError(err).Errorf("disconnecting client [%s]", clientName)
		return "request failed"
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Errorf("disconnect of client [%s] returned %s", clientName, resp.Status)
	}
	return resp.Status
}
