package scanning

import "strings"

// noPreventionInfo is shown when the backend names a disease we have no guidance for
const noPreventionInfo = "No information available."

// preventionCatalog holds prevention and control guidance for the classes the
// inference backend is trained on.
var preventionCatalog = map[string]string{
	"Cacao Early Blight": "Use resistant cacao varieties and regularly apply appropriate fungicides.",
	"Cacao Healthy":      "Maintain good farm hygiene practices and regularly monitor for pests and diseases.",
	"Cacao Late Blight":  "Apply copper-based fungicides and ensure proper soil drainage to reduce disease risk.",
	"Cacao Leaf Spot":    "Avoid overcrowding of plants and apply protective fungicidal sprays as needed.",
}

// KnownDiseases lists the classes in the prevention catalogue
func KnownDiseases() []string {
	return []string{"Cacao Early Blight", "Cacao Healthy", "Cacao Late Blight", "Cacao Leaf Spot"}
}

// PreventionFor returns catalogue guidance for a disease, matched case-insensitively
func PreventionFor(disease string) string {
	disease = strings.TrimSpace(disease)
	if p, ok := preventionCatalog[disease]; ok {
		return p
	}
	for name, p := range preventionCatalog {
		if strings.EqualFold(name, disease) {
			return p
		}
	}
	return noPreventionInfo
}
