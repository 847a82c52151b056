package amqpgw

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	rh "github.com/michaelklishin/rabbit-hole/v2"

	"github.com/1Optic/cortex-dispatcher/internal/errkind"
)

// Bootstrap declares the exchange and the given queues, each bound to the
// exchange with its own name as routing key, via the management API. It is invoked only when
// --dev-stack-root is set; production brokers are expected to already
// carry this topology.
func Bootstrap(uri string, queues []string) kv.Error {
	mgmtURI, user, pass, errGo := managementEndpoint(uri)
	if errGo != nil {
		return errkind.Wrap(errkind.Config, errGo, "derive management endpoint").With("stack", stack.Trace().TrimRuntime())
	}

	client, errGo := rh.NewClient(mgmtURI, user, pass)
	if errGo != nil {
		return errkind.Wrap(errkind.TransientIO, errGo, "connect to management api").With("stack", stack.Trace().TrimRuntime())
	}

	if _, errGo := client.DeclareExchange("/", DefaultExchange, rh.ExchangeSettings{
		Type:    "topic",
		Durable: true,
	}); errGo != nil {
		return errkind.Wrap(errkind.TransientIO, errGo, "declare exchange").With("stack", stack.Trace().TrimRuntime())
	}

	for _, q := range queues {
		if _, errGo := client.DeclareQueue("/", q, rh.QueueSettings{Durable: true}); errGo != nil {
			return errkind.Wrap(errkind.TransientIO, errGo, "declare queue").With("stack", stack.Trace().TrimRuntime()).With("queue", q)
		}
		if _, errGo := client.DeclareBinding("/", rh.BindingInfo{
			Source:          DefaultExchange,
			Destination:     q,
			DestinationType: "queue",
			RoutingKey:      q,
		}); errGo != nil {
			return errkind.Wrap(errkind.TransientIO, errGo, "declare binding").With("stack", stack.Trace().TrimRuntime()).With("queue", q)
		}
	}
	return nil
}

// managementEndpoint derives the RabbitMQ HTTP management API URL from
// an AMQP broker URI, assuming the conventional management port offset
// (AMQP port + 10000).
func managementEndpoint(uri string) (endpoint, user, pass string, err error) {
	parsed, errGo := url.Parse(uri)
	if errGo != nil {
		return "", "", "", errGo
	}

	user = "guest"
	pass = "guest"
	if parsed.User != nil {
		user = parsed.User.Username()
		pass, _ = parsed.User.Password()
	}

	port, errGo := strconv.Atoi(parsed.Port())
	if errGo != nil {
		port = 5672
	}
	port += 10000

	scheme := "http"
	if parsed.Scheme == "amqps" {
		scheme = "https"
	}

	return fmt.Sprintf("%s://%s:%d", scheme, strings.TrimSuffix(parsed.Hostname(), "/"), port), user, pass, nil
}
