package datasethelper

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
)

// azureStore mirrors s3Store but against an Azure Blob container, grounded
// on the teacher's AzureClient: a SAS-token URL fed to
// azblob.NewClientWithNoCredential, the same construction the teacher uses
// once it has resolved a SAS token for the target storage account, trimmed
// to get/save by prefix instead of streaming multipart transfer.
type azureStore struct {
	client    *azblob.Client
	container string
	prefix    string
}

// azureSASEnvVar names the environment variable holding the SAS token for
// the target storage account. The core has no credential-management
// collaborator of its own (spec.md §1 excludes "credential-carrying
// dataset-management helpers"); it expects one to already be present in the
// environment, the same contract the cluster config's environment map uses
// for scheduler-exported secrets.
const azureSASEnvVar = "BIDSBATCH_AZURE_SAS_TOKEN"

// newAzureStore parses "account/container/prefix" out of an
// azblob://account/container/prefix reference and builds a SAS-token URL
// from BIDSBATCH_AZURE_SAS_TOKEN, matching the teacher's buildSASURL
// fallback path (account-only URL, SAS token appended as the query string).
func newAzureStore(rest string) (Store, error) {
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("datasethelper: azblob reference must be account/container[/prefix]: %q", rest)
	}
	account := parts[0]
	containerName := parts[1]
	prefix := ""
	if len(parts) == 3 {
		prefix = strings.TrimSuffix(parts[2], "/")
	}

	sasToken := os.Getenv(azureSASEnvVar)
	if sasToken == "" {
		return nil, fmt.Errorf("datasethelper: %s is not set; required to authenticate to azblob://%s", azureSASEnvVar, rest)
	}
	sasURL := fmt.Sprintf("https://%s.blob.core.windows.net/?%s", account, sasToken)

	client, err := azblob.NewClientWithNoCredential(sasURL, nil)
	if err != nil {
		return nil, fmt.Errorf("datasethelper: cannot create azure blob client: %w", err)
	}
	return &azureStore{client: client, container: containerName, prefix: prefix}, nil
}

func (s *azureStore) Name() string { return "azblob" }

func (s *azureStore) Get(ctx context.Context, unit bidsmodel.Unit, scratchDir string) error {
	unitPrefix := s.keyFor(unit) + "/"
	pager := s.client.NewListBlobsFlatPager(s.container, &container.ListBlobsFlatOptions{
		Prefix: to.Ptr(unitPrefix),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("datasethelper: azblob list failed for %s: %w", unit, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			if err := s.downloadOne(ctx, *item.Name, unitPrefix, scratchDir); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *azureStore) downloadOne(ctx context.Context, name, unitPrefix, scratchDir string) error {
	rel := strings.TrimPrefix(name, unitPrefix)
	if rel == "" {
		return nil
	}
	dest := filepath.Join(scratchDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("datasethelper: cannot create %s: %w", filepath.Dir(dest), err)
	}

	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		return fmt.Errorf("datasethelper: azblob download %s: %w", name, err)
	}
	defer resp.Body.Close()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("datasethelper: cannot write %s: %w", dest, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("datasethelper: cannot stage %s: %w", dest, err)
	}
	return nil
}

func (s *azureStore) Save(ctx context.Context, unit bidsmodel.Unit, scratchDir string) error {
	unitPrefix := s.keyFor(unit)
	return filepath.WalkDir(scratchDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(scratchDir, path)
		if err != nil {
			return err
		}
		name := unitPrefix + "/" + filepath.ToSlash(rel)

		body, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("datasethelper: cannot read %s: %w", path, err)
		}
		if _, err := s.client.UploadBuffer(ctx, s.container, name, body, nil); err != nil {
			return fmt.Errorf("datasethelper: azblob upload %s: %w", name, err)
		}
		return nil
	})
}

func (s *azureStore) keyFor(unit bidsmodel.Unit) string {
	if s.prefix == "" {
		return unit.ID()
	}
	return s.prefix + "/" + unit.ID()
}
