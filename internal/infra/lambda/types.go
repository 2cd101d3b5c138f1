package lambda

import (
	"time"

	"github.com/tutu-network/gpugov/internal/domain"
)

// Wire shapes of the provider's JSON API. Optional fields default to their
// zero values; nothing past toMachine/toMachineType sees these types.

type apiRegion struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type apiSpecs struct {
	VCPUs      int `json:"vcpus"`
	MemoryGiB  int `json:"memory_gib"`
	StorageGiB int `json:"storage_gib"`
	GPUs       int `json:"gpus"`
}

type apiInstanceType struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	PriceCentsPerHour int64    `json:"price_cents_per_hour"`
	Specs             apiSpecs `json:"specs"`
}

type apiInstance struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	IP           string          `json:"ip"`
	PrivateIP    string          `json:"private_ip"`
	Status       string          `json:"status"`
	Hostname     string          `json:"hostname"`
	SSHKeyNames  []string        `json:"ssh_key_names"`
	Region       apiRegion       `json:"region"`
	InstanceType apiInstanceType `json:"instance_type"`
}

type apiTypeEntry struct {
	InstanceType apiInstanceType `json:"instance_type"`
	Regions      []apiRegion     `json:"regions_with_capacity_available"`
}

type apiSSHKey struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

type listInstancesResponse struct {
	Data []apiInstance `json:"data"`
}

type getInstanceResponse struct {
	Data *apiInstance `json:"data"`
}

type instanceTypesResponse struct {
	Data map[string]apiTypeEntry `json:"data"`
}

type sshKeysResponse struct {
	Data []apiSSHKey `json:"data"`
}

type terminateRequest struct {
	InstanceIDs []string `json:"instance_ids"`
}

type terminateResponse struct {
	Data struct {
		TerminatedInstances []apiInstance `json:"terminated_instances"`
	} `json:"data"`
}

type apiError struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		Suggestion string `json:"suggestion"`
	} `json:"error"`
}

func toMachine(in apiInstance, now time.Time) domain.Machine {
	keys := in.SSHKeyNames
	if keys == nil {
		keys = []string{}
	}
	return domain.Machine{
		ID:           in.ID,
		Name:         in.Name,
		Hostname:     in.Hostname,
		IP:           in.IP,
		PrivateIP:    in.PrivateIP,
		Status:       domain.MachineStatus(in.Status),
		Region:       in.Region.Name,
		InstanceType: in.InstanceType.Name,
		GPUCount:     in.InstanceType.Specs.GPUs,
		HourlyCents:  in.InstanceType.PriceCentsPerHour,
		SSHKeys:      keys,
		LastSeen:     now,
	}
}

func toMachineType(name string, e apiTypeEntry) domain.MachineType {
	if e.InstanceType.Name != "" {
		name = e.InstanceType.Name
	}
	regions := make([]string, 0, len(e.Regions))
	for _, r := range e.Regions {
		regions = append(regions, r.Name)
	}
	return domain.MachineType{
		Name:        name,
		Description: e.InstanceType.Description,
		PriceCents:  e.InstanceType.PriceCentsPerHour,
		GPUs:        e.InstanceType.Specs.GPUs,
		MemoryGiB:   e.InstanceType.Specs.MemoryGiB,
		VCPUs:       e.InstanceType.Specs.VCPUs,
		StorageGiB:  e.InstanceType.Specs.StorageGiB,
		Regions:     regions,
	}
}
