package v1

import (
	"encoding/json"
	"fmt"
)

// DockerHubWebhook is the subset of the Docker Hub push payload we care
// about; repo_name arrives fully qualified and is used verbatim.
type DockerHubWebhook struct {
	PushData   DockerHubPushData   `json:"push_data"`
	Repository DockerHubRepository `json:"repository"`
}

type DockerHubPushData struct {
	Tag string `json:"tag"`
}

type DockerHubRepository struct {
	RepoName  string `json:"repo_name"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name,omitempty"`
}

// GHCRWebhook is the subset of the GitHub container registry package
// payload we care about.
type GHCRWebhook struct {
	Package        GHCRPackage        `json:"package"`
	PackageVersion GHCRPackageVersion `json:"package_version"`
}

type GHCRPackage struct {
	Name string `json:"name"`
}

type GHCRPackageVersion struct {
	ContainerMetadata GHCRContainerMetadata `json:"container_metadata"`
}

type GHCRContainerMetadata struct {
	Tag GHCRTag `json:"tag"`
}

type GHCRTag struct {
	Name string `json:"name"`
}

// ParsePushWebhook extracts (image, tag) from a registry push payload,
// accepting both the Docker Hub and the GHCR shapes.
func ParsePushWebhook(body []byte) (image, tag string, err error) {
	var hub DockerHubWebhook
	if err := json.Unmarshal(body, &hub); err == nil && hub.Repository.RepoName != "" && hub.PushData.Tag != "" {
		return hub.Repository.RepoName, hub.PushData.Tag, nil
	}

	var ghcr GHCRWebhook
	if err := json.Unmarshal(body, &ghcr); err == nil && ghcr.Package.Name != "" && ghcr.PackageVersion.ContainerMetadata.Tag.Name != "" {
		return ghcr.Package.Name, ghcr.PackageVersion.ContainerMetadata.Tag.Name, nil
	}

	return "", "", fmt.Errorf("payload matches neither the Docker Hub nor the GHCR push shape")
}
