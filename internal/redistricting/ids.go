package redistricting

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ImportNamespace roots the deterministic ids handed out by plan imports.
var ImportNamespace = uuid.MustParse("6f1d9b52-3c1e-5a7d-9e0b-2a4c8d7f1e35")

func v5(ns uuid.UUID, name string) uuid.UUID {
	return uuid.NewSHA1(ns, []byte(name))
}

// DistrictID is stable per plan and district number, so re-running an
// import against the same plan id produces the same rows.
func DistrictID(planID uuid.UUID, number int) uuid.UUID {
	return v5(planID, fmt.Sprintf("district:%d", number))
}

// ImportedPlanID derives a plan id from the state and a caller supplied
// import key.
func ImportedPlanID(state, key string) uuid.UUID {
	canon := strings.ToLower(strings.Join(strings.Fields(strings.TrimSpace(key)), " "))
	return v5(ImportNamespace, "plan:"+strings.ToUpper(state)+":"+canon)
}
