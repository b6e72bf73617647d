// Command loadgen publishes synthetic registrations and score submissions to
// the relay topic.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	jsoniter "github.com/json-iterator/go"

	"github.com/neon-arena/leaderboard/internal/kafka"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var gameTypes = []string{"target_blitz", "neon_dash", "grid_runner", "pulse_drift"}

// hotPlayers receive most of the continuous traffic so the board heads move
const hotPlayers = 20

// playerAddress derives a stable synthetic address for player idx
func playerAddress(seed uint64, idx int) string {
	return fmt.Sprintf("0x%040x", seed<<32|uint64(idx+1))
}

func main() {
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "arena-submissions", "Relay topic")
	totalPlayers := flag.Int("players", 1000, "Total number of players to create")
	updatesPerSecond := flag.Int("rate", 100, "Submissions per second")
	seed := flag.Uint64("seed", 0xa11ce, "Address seed, change it to get a fresh set of players")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	initialOnly := flag.Bool("initial-only", false, "Only register players and submit one score each")
	flag.Parse()

	if *totalPlayers <= 0 || *updatesPerSecond <= 0 {
		log.Fatal("players and rate must be positive")
	}
	brokerList := strings.Split(*brokers, ",")

	fmt.Println("Neon Arena load generator")
	fmt.Printf("  Brokers:     %s\n", *brokers)
	fmt.Printf("  Topic:       %s\n", *topic)
	fmt.Printf("  Players:     %d\n", *totalPlayers)
	fmt.Printf("  Rate:        %d/sec\n", *updatesPerSecond)
	fmt.Println()

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	finish := func(reason string) {
		fmt.Printf("\n%s\n", reason)
		close(done)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	// The player is the key so one player's calls stay ordered on a partition
	send := func(msg kafka.SubmissionMessage) {
		data, err := json.Marshal(msg)
		if err != nil {
			log.Printf("Failed to marshal message: %v", err)
			return
		}
		select {
		case producer.Input() <- &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(msg.Player),
			Value: sarama.ByteEncoder(data),
		}:
		case <-done:
		}
	}

	fmt.Printf("Registering %d players...\n", *totalPlayers)
	for i := 0; i < *totalPlayers; i++ {
		player := playerAddress(*seed, i)
		send(kafka.SubmissionMessage{Action: kafka.ActionRegister, Player: player})
		send(kafka.SubmissionMessage{
			Action:   kafka.ActionSubmit,
			Player:   player,
			Score:    kafka.FormatScore(uint64(rand.Intn(5000) + 1000)),
			GameType: gameTypes[i%len(gameTypes)],
		})
		if (i+1)%100 == 0 || i+1 == *totalPlayers {
			fmt.Printf("\r  Progress: %d/%d", i+1, *totalPlayers)
		}
	}
	fmt.Println()

	if *initialOnly {
		finish("Initial-only mode, exiting")
		return
	}

	fmt.Printf("Starting continuous submissions (%d/sec), Ctrl+C to stop\n", *updatesPerSecond)

	ticker := time.NewTicker(time.Second / time.Duration(*updatesPerSecond))
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	var updateCount int64

	for {
		select {
		case <-sigChan:
			finish("Shutting down...")
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				finish("Duration reached, shutting down...")
				return
			}

			// 70% of traffic goes to the hot players
			idx := rand.Intn(*totalPlayers)
			if *totalPlayers > hotPlayers && rand.Intn(100) < 70 {
				idx = rand.Intn(hotPlayers)
			}

			var score uint64
			switch {
			case idx < 10:
				score = uint64(rand.Intn(800) + 400)
			case idx < 50:
				score = uint64(rand.Intn(600) + 300)
			default:
				score = uint64(rand.Intn(400) + 200)
			}

			send(kafka.SubmissionMessage{
				Player:   playerAddress(*seed, idx),
				Score:    kafka.FormatScore(score),
				GameType: gameTypes[rand.Intn(len(gameTypes))],
			})
			atomic.AddInt64(&updateCount, 1)

		case <-statsTicker.C:
			fmt.Printf("[%s] Submissions: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&updateCount),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
