package issuer

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/pkg/license"
)

// licenseMount is where the deployed stack finds the installed certificate.
const licenseMount = "./license:/var/license:ro"

// composeDocument is the docker-compose.yml the issuer generates per
// certificate. yaml.v3 sorts map keys on encode, so output is stable for a
// given certificate.
type composeDocument struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image         string   `yaml:"image"`
	ContainerName string   `yaml:"container_name"`
	Ports         []string `yaml:"ports"`
	Restart       string   `yaml:"restart"`
	Environment   []string `yaml:"environment"`
	Volumes       []string `yaml:"volumes"`
}

// Compose renders the deployment compose file for a certificate: one entry
// per enabled docker service, image pinned to the certificate's registry
// and tag, with the license directory mounted read-only.
func Compose(cert *license.Certificate) (string, error) {
	doc := composeDocument{Services: make(map[string]composeService)}
	for name, svc := range cert.Docker.Services {
		if !svc.Enabled {
			continue
		}
		doc.Services[name] = composeService{
			Image:         svc.Reference(cert.Docker.RegistryURL),
			ContainerName: name,
			Ports:         []string{fmt.Sprintf("%d:%d", svc.HostPort, svc.ContainerPort)},
			Restart:       "unless-stopped",
			Environment: []string{
				"SERVICE_NAME=" + name,
				"LICENSE_PATH=/var/license/certificate.json",
			},
			Volumes: []string{licenseMount},
		}
	}

	body, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("issuer: render compose file: %w", err)
	}

	header := fmt.Sprintf("# Deployment for %s (%s tier).\n# Generated by the license authority; do not edit.\n",
		cert.Customer.CustomerName, cert.Tier)
	return header + string(body), nil
}
