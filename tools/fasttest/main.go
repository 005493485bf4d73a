package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"oip/dprelay/internal/domains"
	"oip/dprelay/internal/queue"
	"oip/dprelay/pkg/config"
	"oip/dprelay/pkg/infra/mysql"
	"oip/dprelay/pkg/logger"
)

var (
	configPath   = flag.String("config", "./config/worker.yaml", "配置文件路径")
	testcasePath = flag.String("testcase", "./tools/fasttest/testcase/diagnose.json", "测试用例路径")
	skipDB       = flag.Bool("skip-db", false, "跳过数据库操作（只打印任务）")
)

func main() {
	flag.Parse()

	fmt.Println("========================================")
	fmt.Println("  FastTest - DPRELAY 工作队列快速测试工具")
	fmt.Println("========================================")

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("❌ Failed to load config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Config loaded: %s\n", cfg.App.Name)

	// 2. 加载测试用例
	jobs, err := loadTestCases(*testcasePath)
	if err != nil {
		fmt.Printf("❌ Failed to load test cases: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Loaded %d test cases from %s\n", len(jobs), *testcasePath)

	log, err := logger.NewZapLogger("debug")
	if err != nil {
		fmt.Printf("❌ Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. 初始化队列
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	qc := queue.Config{Name: domains.DiagnoseQueue, Retries: 1, Backoff: time.Second}
	if c := cfg.Queue(domains.DiagnoseQueue); c != nil {
		qc.Retries, qc.Backoff = c.Retries, c.Backoff
	}
	q, err := queue.New[domains.DiagnoseJob](rdb, qc)
	if err != nil {
		fmt.Printf("❌ Failed to create queue: %v\n", err)
		os.Exit(1)
	}

	// 4. 处理函数：skip-db 时只打印
	handler := queue.Handler[domains.DiagnoseJob](func(ctx context.Context, job domains.DiagnoseJob) error {
		data, _ := json.MarshalIndent(job, "", "  ")
		fmt.Printf("\n=== DiagnoseJob ===\n%s\n", string(data))
		return nil
	})
	if !*skipDB {
		dao, err := mysql.NewEventDAO(cfg.MySQL.DSN)
		if err != nil {
			fmt.Printf("❌ Failed to connect mysql: %v\n", err)
			os.Exit(1)
		}
		defer dao.Close()
		handler = domains.NewDiagnoseHandler(dao, nil, log)
	} else {
		fmt.Println("⚠️  Skip-DB mode: jobs are only printed")
	}

	ctx := context.Background()

	// 5. 灌入并消费一次
	filled, err := q.Fill(ctx, jobs)
	if err != nil {
		fmt.Printf("❌ Fill failed: %v\n", err)
		os.Exit(1)
	}
	if !filled {
		fmt.Println("⚠️  Queue already populated, draining existing items")
	}

	start := time.Now()
	if err := q.Work(ctx, handler, queue.WithLogger(log), queue.WithIdle(0, 0)); err != nil {
		fmt.Printf("❌ Work failed: %v\n", err)
		os.Exit(1)
	}

	dead, err := q.DeadLetterCount(ctx)
	if err != nil {
		fmt.Printf("❌ Dead letter count failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("========================================")
	fmt.Printf("  Done in %v, dead letters: %d\n", time.Since(start), dead)
	fmt.Println("========================================")
}

// loadTestCases 加载测试用例
func loadTestCases(path string) ([]domains.DiagnoseJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file failed: %w", err)
	}

	var jobs []domains.DiagnoseJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("unmarshal failed: %w", err)
	}

	for i := range jobs {
		if jobs[i].EnqueuedAt.IsZero() {
			jobs[i].EnqueuedAt = time.Now()
		}
	}
	return jobs, nil
}
