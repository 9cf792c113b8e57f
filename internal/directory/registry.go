package directory

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/hashicorp/consul/api"
)

// ConsulRegistry registers the directory service with Consul, adapted from
// internal/registry/consul.go for the "e2ee-directory" service name.
type ConsulRegistry struct {
	client     *api.Client
	serviceID  string
	serverPort int
}

func NewConsulRegistry(addr, serverID, serverPort string) (*ConsulRegistry, error) {
	cfg := api.DefaultConfig()
	cfg.Address = addr

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(serverPort)
	if err != nil {
		log.Printf("Warning: failed to parse directory server port, using default 8090: %v", err)
		port = 8090
	}

	return &ConsulRegistry{client: client, serviceID: serverID, serverPort: port}, nil
}

func (c *ConsulRegistry) Register() error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	registration := &api.AgentServiceRegistration{
		ID:      c.serviceID,
		Name:    "e2ee-directory",
		Port:    c.serverPort,
		Address: hostname,
		Tags:    []string{"e2ee", "directory"},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", hostname, c.serverPort),
			Interval:                       "10s",
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: "30s",
		},
	}
	return c.client.Agent().ServiceRegister(registration)
}

func (c *ConsulRegistry) Deregister() error {
	return c.client.Agent().ServiceDeregister(c.serviceID)
}
