package ingest

import (
	"errors"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"clinical-coach/internal/coach"
)

// VitalsMessage carries monitor readings published on the vitals topic.
// Zero-valued fields are treated as "not measured".
type VitalsMessage struct {
	CaseID    string  `json:"case_id"`
	Systolic  int     `json:"systolic"`
	Diastolic int     `json:"diastolic"`
	HeartRate int     `json:"heart_rate"`
	TempF     float64 `json:"temp_f"`
	SpO2      int     `json:"spo2"`
}

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
}

func newVitalsHandler(reg *coach.Registry, log *zap.Logger) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		var vm VitalsMessage
		if err := json.Unmarshal(msg.Payload(), &vm); err != nil {
			log.Warn("dropping malformed vitals message",
				zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		if vm.CaseID == "" {
			log.Warn("dropping vitals message without case_id")
			return
		}
		v := coach.Vitals{
			Systolic:  vm.Systolic,
			Diastolic: vm.Diastolic,
			HeartRate: vm.HeartRate,
			TempF:     vm.TempF,
			SpO2:      vm.SpO2,
		}
		if err := reg.UpdateVitals(vm.CaseID, v); err != nil {
			if errors.Is(err, coach.ErrNotFound) || errors.Is(err, coach.ErrCaseClosed) {
				log.Warn("vitals message for unavailable case",
					zap.String("case_id", vm.CaseID), zap.Error(err))
				return
			}
			log.Error("failed to stage vitals",
				zap.String("case_id", vm.CaseID), zap.Error(err))
		}
	}
}

// InitializeMQTT connects to the broker and subscribes to the vitals topic.
// The returned client is disconnected by the caller on shutdown.
func InitializeMQTT(cfg MQTTConfig, reg *coach.Registry, log *zap.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetDefaultPublishHandler(newVitalsHandler(reg, log))
	opts.OnConnect = func(client mqtt.Client) {
		log.Info("connected to MQTT broker", zap.String("broker", cfg.Broker))
		token := client.Subscribe(cfg.Topic, 1, nil)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Error("failed to subscribe", zap.String("topic", cfg.Topic), zap.Error(err))
			return
		}
		log.Info("subscribed to vitals topic", zap.String("topic", cfg.Topic))
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		log.Warn("MQTT connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return client, nil
}
