package api

// PredefinedCategory is one group of quick-action commands the UI offers.
// Every command listed here still goes through the admission policy when
// submitted — the catalog is convenience, not authorization.
type PredefinedCategory struct {
	Name     string   `json:"name"`
	Commands []string `json:"commands"`
}

var predefinedCategories = []PredefinedCategory{
	{
		Name: "system",
		Commands: []string{
			"uptime", "uname -a", "hostname", "whoami", "date",
			"free -h", "ps aux",
		},
	},
	{
		Name: "disk",
		Commands: []string{
			"df -h", "iostat", "vmstat 1 5",
		},
	},
	{
		Name: "network",
		Commands: []string{
			"ip addr", "ss -tlnp", "netstat -rn", "ping -c 3 127.0.0.1",
		},
	},
	{
		Name: "services",
		Commands: []string{
			"systemctl status sshd", "systemctl status cron",
			"service --status-all",
		},
	},
	{
		Name: "logs",
		Commands: []string{
			"journalctl -n 50 --no-pager", "tail -n 100 /var/log/syslog",
		},
	},
}
