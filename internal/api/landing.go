package api

type landingLink struct {
	Href       string `json:"href"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	Parameters string `json:"parameters"`
	Payload    string `json:"payload"`
}

// landingLinks describes every WPS-T operation.
var landingLinks = []landingLink{
	{Href: "/", Type: "GET", Title: "getLandingPage"},
	{Href: "/processes", Type: "GET", Title: "getProcesses"},
	{Href: "/processes", Type: "POST", Title: "deployProcess", Parameters: "proc=<url-to-app.json>&overwrite=<bool>"},
	{Href: "/processes/<procID>", Type: "GET", Title: "getProcessDescription"},
	{Href: "/processes/<procID>", Type: "DELETE", Title: "undeployProcess"},
	{Href: "/processes/<procID>/jobs", Type: "GET", Title: "getJobList"},
	{Href: "/processes/<procID>/jobs", Type: "POST", Title: "execute", Parameters: "user=<username>", Payload: "<workflow-inputs>"},
	{Href: "/processes/<procID>/jobs/<jobID>", Type: "GET", Title: "getStatus"},
	{Href: "/processes/<procID>/jobs/<jobID>", Type: "DELETE", Title: "dismiss"},
	{Href: "/processes/<procID>/jobs/<jobID>/result", Type: "GET", Title: "getResult"},
}
