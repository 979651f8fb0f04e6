package extract

import (
	"fmt"
	"strings"

	"github.com/linnemanlabs/aftershock/internal/disaster"
)

const systemPrompt = "You extract structured fields from disaster alerts. Respond with a single JSON object and nothing else."

const batchInstructions = `Extract detailed information from each of the following disaster alerts.

For each alert, extract these fields:
- disaster_type: The specific type of disaster (earthquake, hurricane, wildfire, flood, tornado, etc.)
- location: The affected location or region
- date: The date of the event (YYYY-MM-DD format if possible)
- severity: Any severity information (magnitude, category, intensity, etc.)
- alert_level: For GDACS alerts, specifically extract if it's a green, orange, or red alert
- description: A brief description of what happened

If you cannot find some information, use null for that field.

IMPORTANT INSTRUCTIONS:
1. For GDACS alerts, always look for and extract the alert level (Green, Orange, Red).
   Green alerts from GDACS should have "Green" in the alert_level field.

2. For earthquakes, especially from USGS and GDACS sources:
   - Always extract the exact magnitude value in the severity field
   - If the magnitude is mentioned as "M5.7" or "magnitude 5.7", extract "5.7" as the severity
   - Look for magnitude information in both the title and summary

IMPORTANT: Return your response as a JSON object with this EXACT structure:
{
  "results": [
    {
      "id": "alert_id_1",
      "disaster_type": "type",
      "location": "location",
      "date": "date",
      "severity": "severity",
      "alert_level": "level",
      "description": "description"
    }
  ]
}

Here are the alerts to process:
`

var sourceHints = map[disaster.SourceType]string{
	disaster.SourceSPC:   "Note: This is from NOAA SPC. Look for severe weather details, affected regions, and MD numbers.",
	disaster.SourceNHC:   "Note: This is from NHC. Look for tropical cyclone information, basin, and formation probability.",
	disaster.SourceUSGS:  "Note: This is from USGS. Extract the exact magnitude and location from earthquake reports. The magnitude is critical for filtering.",
	disaster.SourceGDACS: "Note: This is from GDACS. Carefully extract the alert level (Green, Orange, Red) and include it in the alert_level field. Also extract the magnitude for earthquakes.",
}

// BuildPrompt renders one extraction prompt covering every item.
func BuildPrompt(items []Item) string {
	var b strings.Builder
	b.WriteString(batchInstructions)

	for i, it := range items {
		fmt.Fprintf(&b, "\n--- ALERT %d (ID: %s) ---\n", i+1, it.ID)
		fmt.Fprintf(&b, "Source: %s\n", it.Source)
		fmt.Fprintf(&b, "Source Type: %s\n", it.SourceType)
		fmt.Fprintf(&b, "Title: %s\n", it.Title)
		fmt.Fprintf(&b, "Summary: %s\n", it.Summary)
		fmt.Fprintf(&b, "Published Date: %s\n", it.Published)
		if hint, ok := sourceHints[it.SourceType]; ok {
			b.WriteString(hint)
			b.WriteByte('\n')
		}
	}

	return b.String()
}
