package store

import "time"

// Appliance represents one enrolled appliance.
// Token and Key are hidden from API/JSON serialization via json:"-".
type Appliance struct {
	ID               uint64    `json:"id"`
	Name             string    `json:"name,omitempty"`
	Type             uint8     `json:"type"`
	SN               string    `json:"sn,omitempty"`
	SN8              string    `json:"sn8,omitempty"`
	ModelNumber      int       `json:"model_number,omitempty"`
	Model            string    `json:"model,omitempty"`
	ManufacturerCode string    `json:"manufacturer_code,omitempty"`
	AccountID        string    `json:"account_id,omitempty"`
	HomeID           string    `json:"home_id,omitempty"`
	Host             string    `json:"host,omitempty"`
	Port             int       `json:"port,omitempty"`
	Protocol         int       `json:"protocol"`
	Token            string    `json:"-"`
	Key              string    `json:"-"`
	Online           bool      `json:"online"`
	LastSeen         time.Time `json:"last_seen"`
}

// applianceStorage is the internal struct used for DB serialization,
// preserving the pairing token and key on disk.
type applianceStorage struct {
	ID               uint64    `json:"id"`
	Name             string    `json:"name,omitempty"`
	Type             uint8     `json:"type"`
	SN               string    `json:"sn,omitempty"`
	SN8              string    `json:"sn8,omitempty"`
	ModelNumber      int       `json:"model_number,omitempty"`
	Model            string    `json:"model,omitempty"`
	ManufacturerCode string    `json:"manufacturer_code,omitempty"`
	AccountID        string    `json:"account_id,omitempty"`
	HomeID           string    `json:"home_id,omitempty"`
	Host             string    `json:"host,omitempty"`
	Port             int       `json:"port,omitempty"`
	Protocol         int       `json:"protocol"`
	Token            string    `json:"token,omitempty"`
	Key              string    `json:"key,omitempty"`
	Online           bool      `json:"online"`
	LastSeen         time.Time `json:"last_seen"`
}

func toStorage(app *Appliance) applianceStorage {
	return applianceStorage{
		ID:               app.ID,
		Name:             app.Name,
		Type:             app.Type,
		SN:               app.SN,
		SN8:              app.SN8,
		ModelNumber:      app.ModelNumber,
		Model:            app.Model,
		ManufacturerCode: app.ManufacturerCode,
		AccountID:        app.AccountID,
		HomeID:           app.HomeID,
		Host:             app.Host,
		Port:             app.Port,
		Protocol:         app.Protocol,
		Token:            app.Token,
		Key:              app.Key,
		Online:           app.Online,
		LastSeen:         app.LastSeen,
	}
}

func fromStorage(st applianceStorage) Appliance {
	return Appliance{
		ID:               st.ID,
		Name:             st.Name,
		Type:             st.Type,
		SN:               st.SN,
		SN8:              st.SN8,
		ModelNumber:      st.ModelNumber,
		Model:            st.Model,
		ManufacturerCode: st.ManufacturerCode,
		AccountID:        st.AccountID,
		HomeID:           st.HomeID,
		Host:             st.Host,
		Port:             st.Port,
		Protocol:         st.Protocol,
		Token:            st.Token,
		Key:              st.Key,
		Online:           st.Online,
		LastSeen:         st.LastSeen,
	}
}
