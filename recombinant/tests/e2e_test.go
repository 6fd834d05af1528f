package tests

import (
	"bytes"
	"encoding/csv"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-data/recombinant/recombinant/reconcile"
	"github.com/open-data/recombinant/recombinant/stores"
	"github.com/open-data/recombinant/recombinant/tabular"
)

func TestDefinitionEndpoints(t *testing.T) {
	env := setupTestEnv(t)
	c := env.newClient(t, "alice", "tbs-sct", false)

	types, err := get[map[string][]string](&c, "/definitions/")
	require.NoError(t, err)
	require.Equal(t, []string{"grants"}, types["dataset_types"])

	info, err := get[map[string]any](&c, "/definitions/grants")
	require.NoError(t, err)
	require.Equal(t, "Grants and Contributions", info["title"])

	resources := info["resources"].([]any)
	require.Len(t, resources, 1)
	fields := resources[0].(map[string]any)["fields"].([]any)
	require.Len(t, fields, 4)
}

func TestDefinitionLabelsFollowConfiguredLanguage(t *testing.T) {
	env := setupTestEnv(t)
	env.model.DefaultLanguage = "fr"
	c := env.newClient(t, "alice", "tbs-sct", false)

	// no lang parameter falls back to the model's configured default
	info, err := get[map[string]any](&c, "/definitions/grants")
	require.NoError(t, err)
	require.Equal(t, "Statut", fieldLabel(t, info, "status"))

	info, err = get[map[string]any](&c, "/definitions/grants?lang=en")
	require.NoError(t, err)
	require.Equal(t, "Status", fieldLabel(t, info, "status"))
}

func fieldLabel(t *testing.T, info map[string]any, id string) string {
	t.Helper()
	resources := info["resources"].([]any)
	for _, f := range resources[0].(map[string]any)["fields"].([]any) {
		field := f.(map[string]any)
		if field["id"] == id {
			return field["label"].(string)
		}
	}
	t.Fatalf("field %v not in response", id)
	return ""
}

func TestDatasetLifecycle(t *testing.T) {
	env := setupTestEnv(t)
	c := env.newClient(t, "alice", "tbs-sct", false)

	dataset, err := post[stores.Dataset](&c, "/datasets/grants",
		map[string]string{"owner_org": "tbs-sct"})
	require.NoError(t, err)
	require.Equal(t, "grants", dataset.Type)
	require.Equal(t, "tbs-sct", dataset.OwnerOrg)
	require.Len(t, dataset.Resources, 1)

	shown, err := get[stores.Dataset](&c, "/datasets/grants?owner_org=tbs-sct")
	require.NoError(t, err)
	require.Equal(t, dataset.Id, shown.Id)

	// a second convergence pass on an untouched dataset issues no commands
	result, err := post[reconcile.Result](&c, "/datasets/grants/update",
		map[string]any{"owner_org": "tbs-sct"})
	require.NoError(t, err)
	assert.False(t, result.Changed())

	require.NoError(t, deleteReq(&c, "/datasets/grants?owner_org=tbs-sct"))

	_, err = get[stores.Dataset](&c, "/datasets/grants?owner_org=tbs-sct")
	require.Error(t, err)
}

func TestDatasetOrgAuthorization(t *testing.T) {
	env := setupTestEnv(t)

	alice := env.newClient(t, "alice", "tbs-sct", false)
	_, err := post[stores.Dataset](&alice, "/datasets/grants",
		map[string]string{"owner_org": "tbs-sct"})
	require.NoError(t, err)

	// bob belongs to another organization
	bob := env.newClient(t, "bob", "pch", false)
	w := bob.do("GET", "/datasets/grants?owner_org=tbs-sct", nil, "")
	require.Equal(t, http.StatusForbidden, w.Code)

	// sysadmins may act on any organization
	admin := env.newClient(t, "root", "", true)
	_, err = get[stores.Dataset](&admin, "/datasets/grants?owner_org=tbs-sct")
	require.NoError(t, err)

	// no token at all
	anon := client{api: env.api}
	w = anon.do("GET", "/datasets/grants?owner_org=tbs-sct", nil, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func exportRows(t *testing.T, c *client) [][]string {
	t.Helper()
	w := c.do("GET", "/exchange/csv/grants", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	body := strings.TrimPrefix(w.Body.String(), "\uFEFF")
	rows, err := csv.NewReader(strings.NewReader(body)).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWorkbookUploadAndExport(t *testing.T) {
	env := setupTestEnv(t)
	c := env.newClient(t, "alice", "tbs-sct", false)

	_, err := post[stores.Dataset](&c, "/datasets/grants",
		map[string]string{"owner_org": "tbs-sct"})
	require.NoError(t, err)

	records := []stores.Record{
		{"ref_number": "GC-001", "amount": "2500.75", "status": "open", "tags": []string{"a", "b"}},
		{"ref_number": "GC-002", "amount": nil, "status": "closed", "tags": []string{}},
	}

	// dry run validates without persisting
	var buf bytes.Buffer
	require.NoError(t, tabular.WriteWorkbook(&buf, env.model, "grants",
		tabular.Org{Name: "tbs-sct", Title: "tbs-sct"}, tabular.WorkbookData{"grants": records}))
	w := c.do("POST", "/exchange/workbook/grants?dry_run=true", buf.Bytes(), xlsxContentType)
	require.Equal(t, http.StatusOK, w.Code)

	rows := exportRows(t, &c)
	require.Len(t, rows, 1) // header only

	// real upload persists
	w = c.do("POST", "/exchange/workbook/grants", buf.Bytes(), xlsxContentType)
	require.Equal(t, http.StatusOK, w.Code)

	rows = exportRows(t, &c)
	require.Equal(t, []string{
		"ref_number", "amount", "status", "tags", "sector", "owner_org", "owner_org_title",
	}, rows[0])
	require.Len(t, rows, 3)
	require.Equal(t, "GC-001", rows[1][0])
	require.Equal(t, "2500.75", rows[1][1])
	require.Equal(t, "a, b", rows[1][3])
	require.Equal(t, "tbs-sct", rows[1][5])
	require.Equal(t, "GC-002", rows[2][0])

	// the template now carries the stored rows for round-trip editing
	w = c.do("GET", "/exchange/template/grants?owner_org=tbs-sct", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))

	sheets, err := tabular.ReadWorkbook(w.Body.Bytes(), env.model)
	require.NoError(t, err)
	require.Len(t, sheets, 1)
	require.Len(t, sheets[0].Records, 2)
	require.Equal(t, "GC-001", sheets[0].Records[0]["ref_number"])
}

func TestWorkbookUploadRejectsInvalidChoice(t *testing.T) {
	env := setupTestEnv(t)
	c := env.newClient(t, "alice", "tbs-sct", false)

	_, err := post[stores.Dataset](&c, "/datasets/grants",
		map[string]string{"owner_org": "tbs-sct"})
	require.NoError(t, err)

	records := []stores.Record{
		{"ref_number": "GC-001", "amount": nil, "status": "open", "tags": nil},
		{"ref_number": "GC-002", "amount": nil, "status": "bogus", "tags": nil},
	}
	var buf bytes.Buffer
	require.NoError(t, tabular.WriteWorkbook(&buf, env.model, "grants",
		tabular.Org{Name: "tbs-sct", Title: "tbs-sct"}, tabular.WorkbookData{"grants": records}))

	w := c.do("POST", "/exchange/workbook/grants", buf.Bytes(), xlsxContentType)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Contains(t, w.Body.String(), "status")

	// the whole upload rolled back, including the valid first row
	rows := exportRows(t, &c)
	require.Len(t, rows, 1)
}

func TestWorkbookUploadRejectsForeignOrgSheet(t *testing.T) {
	env := setupTestEnv(t)

	alice := env.newClient(t, "alice", "tbs-sct", false)
	_, err := post[stores.Dataset](&alice, "/datasets/grants",
		map[string]string{"owner_org": "tbs-sct"})
	require.NoError(t, err)

	bob := env.newClient(t, "bob", "pch", false)
	var buf bytes.Buffer
	require.NoError(t, tabular.WriteWorkbook(&buf, env.model, "grants",
		tabular.Org{Name: "tbs-sct", Title: "tbs-sct"}, tabular.WorkbookData{"grants": {
			{"ref_number": "GC-001", "amount": nil, "status": "open", "tags": nil},
		}}))

	w := bob.do("POST", "/exchange/workbook/grants", buf.Bytes(), xlsxContentType)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestSysadminExportsEveryOrganization(t *testing.T) {
	env := setupTestEnv(t)

	for _, org := range []string{"pch", "tbs-sct"} {
		c := env.newClient(t, "user-"+org, org, false)
		_, err := post[stores.Dataset](&c, "/datasets/grants",
			map[string]string{"owner_org": org})
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, tabular.WriteWorkbook(&buf, env.model, "grants",
			tabular.Org{Name: org, Title: org}, tabular.WorkbookData{"grants": {
				{"ref_number": "GC-" + org, "amount": nil, "status": "open", "tags": nil},
			}}))
		w := c.do("POST", "/exchange/workbook/grants", buf.Bytes(), xlsxContentType)
		require.Equal(t, http.StatusOK, w.Code)
	}

	admin := env.newClient(t, "root", "", true)
	rows := exportRows(t, &admin)
	require.Len(t, rows, 3)

	var orgs []string
	for _, row := range rows[1:] {
		orgs = append(orgs, row[5])
	}
	require.ElementsMatch(t, []string{"pch", "tbs-sct"}, orgs)

	// a regular user still sees only their own organization
	alice := env.newClient(t, "alice", "tbs-sct", false)
	rows = exportRows(t, &alice)
	require.Len(t, rows, 2)
	require.Equal(t, "tbs-sct", rows[1][5])
}
